package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryScan(t *testing.T) {
	root := t.TempDir()

	for _, id := range []string{"bravo", "alpha"} {
		dir := filepath.Join(root, id)
		require.NoError(t, os.Mkdir(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("{}"), 0o644))
	}
	// A directory without a manifest is not a plugin.
	require.NoError(t, os.Mkdir(filepath.Join(root, "not-a-plugin"), 0o755))
	// Loose files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644))

	d := NewDiscovery(zerolog.Nop(), []string{root, filepath.Join(root, "missing")})
	discovered, err := d.Scan()
	require.NoError(t, err)

	require.Len(t, discovered, 2)
	assert.Equal(t, "alpha", discovered[0].ID)
	assert.Equal(t, "bravo", discovered[1].ID)
	assert.Equal(t, filepath.Join(root, "alpha", ManifestFileName), discovered[0].ManifestPath)
}

func TestDiscoveryScanEmptyRoots(t *testing.T) {
	d := NewDiscovery(zerolog.Nop(), []string{"", "/nonexistent/plugins"})
	discovered, err := d.Scan()
	require.NoError(t, err)
	assert.Empty(t, discovered)
}

func TestDiscoveryWatchDetectsNewPlugin(t *testing.T) {
	root := t.TempDir()
	d := NewDiscovery(zerolog.Nop(), []string{root})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := d.Watch(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	dir := filepath.Join(root, "fresh")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("{}"), 0o644))

	select {
	case change := <-changes:
		assert.Equal(t, "fresh", change.PluginID)
		assert.Contains(t, []ChangeKind{ChangeAdded, ChangeUpdated}, change.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("no change observed for new plugin directory")
	}
}

func TestDiscoveryWatchClosesOnCancel(t *testing.T) {
	root := t.TempDir()
	d := NewDiscovery(zerolog.Nop(), []string{root})

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := d.Watch(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-changes:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("change channel not closed after cancel")
	}
}

func TestDiscoveryWatchNoRoots(t *testing.T) {
	d := NewDiscovery(zerolog.Nop(), []string{"/nonexistent/plugins"})
	_, err := d.Watch(context.Background(), 0)
	assert.Error(t, err)
}
