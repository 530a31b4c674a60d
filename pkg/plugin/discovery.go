package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ManifestFileName is the manifest every plugin directory must carry.
const ManifestFileName = "manifest.json"

// Discovery scans plugin directories and optionally watches them for
// changes so plugins can be hot reloaded.
type Discovery struct {
	logger zerolog.Logger
	dirs   []string
}

// NewDiscovery creates a discovery instance over the given root
// directories. Roots that do not exist are skipped at scan time.
func NewDiscovery(logger zerolog.Logger, dirs []string) *Discovery {
	return &Discovery{
		logger: logger.With().Str("component", "plugin-discovery").Logger(),
		dirs:   dirs,
	}
}

// Scan walks every root and returns one Discovered entry per subdirectory
// that contains a manifest, sorted by plugin directory name.
func (d *Discovery) Scan() ([]Discovered, error) {
	var discovered []Discovered
	for _, dir := range d.dirs {
		if dir == "" {
			continue
		}
		found, err := d.scanRoot(dir)
		if err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan plugin directory")
			continue
		}
		discovered = append(discovered, found...)
	}
	sort.Slice(discovered, func(i, j int) bool { return discovered[i].ID < discovered[j].ID })
	d.logger.Info().Int("count", len(discovered)).Msg("Plugin discovery completed")
	return discovered, nil
}

func (d *Discovery) scanRoot(dir string) ([]Discovered, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Debug().Str("dir", dir).Msg("Directory does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var discovered []Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			if !os.IsNotExist(err) {
				d.logger.Warn().Err(err).Str("dir", pluginDir).Msg("Failed to check for manifest")
			}
			continue
		}
		discovered = append(discovered, Discovered{
			ID:           entry.Name(),
			Dir:          pluginDir,
			ManifestPath: manifestPath,
		})
		d.logger.Debug().Str("id", entry.Name()).Str("dir", pluginDir).Msg("Discovered plugin")
	}
	return discovered, nil
}

// ChangeKind classifies what a watcher observed in a plugin directory.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change is one debounced filesystem change affecting a plugin directory.
type Change struct {
	Kind     ChangeKind
	PluginID string
	Dir      string
}

// Watch emits a Change whenever a plugin directory under one of the roots
// appears, changes, or disappears. Events for the same plugin within the
// debounce window collapse into one. The channel closes when ctx is done.
func (d *Discovery) Watch(ctx context.Context, debounce time.Duration) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	watched := 0
	for _, dir := range d.dirs {
		if dir == "" {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch plugin directory")
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil, fmt.Errorf("no plugin directories could be watched")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	out := make(chan Change, 16)
	go d.watchLoop(ctx, watcher, debounce, out)
	return out, nil
}

func (d *Discovery) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration, out chan<- Change) {
	defer watcher.Close()
	defer close(out)

	pending := make(map[string]Change)
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			change, relevant := d.classify(event)
			if !relevant {
				continue
			}
			pending[change.PluginID] = change
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn().Err(err).Msg("Plugin watcher error")
		case <-timer.C:
			for _, change := range pending {
				change, emit := d.resolve(change)
				if !emit {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
			pending = make(map[string]Change)
		}
	}
}

// classify maps a raw fsnotify event onto a provisional plugin-level
// change. Only direct children of a watched root matter; the roots are
// watched non-recursively.
func (d *Discovery) classify(event fsnotify.Event) (Change, bool) {
	dir := event.Name
	pluginID := filepath.Base(dir)
	if pluginID == "" || pluginID == "." {
		return Change{}, false
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return Change{Kind: ChangeRemoved, PluginID: pluginID, Dir: dir}, true
	case event.Op&fsnotify.Create != 0:
		return Change{Kind: ChangeAdded, PluginID: pluginID, Dir: dir}, true
	case event.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		return Change{Kind: ChangeUpdated, PluginID: pluginID, Dir: dir}, true
	}
	return Change{}, false
}

// resolve finalizes a provisional change once the debounce window has
// passed. The manifest check happens here rather than at event time so a
// directory created just before its manifest is written still counts.
func (d *Discovery) resolve(change Change) (Change, bool) {
	_, err := os.Stat(filepath.Join(change.Dir, ManifestFileName))
	present := err == nil

	switch {
	case present && change.Kind == ChangeRemoved:
		// Recreated within the window.
		change.Kind = ChangeUpdated
		return change, true
	case present:
		return change, true
	case change.Kind == ChangeRemoved:
		return change, true
	default:
		// Never became a plugin directory.
		return Change{}, false
	}
}
