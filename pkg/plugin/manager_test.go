package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quelabs/quecore/pkg/eventbus"
	"github.com/quelabs/quecore/pkg/registry"
)

type fakeProcess struct {
	mu          sync.Mutex
	activateErr error
	invokeFn    func(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	killed      bool
	deactivated bool
}

func (p *fakeProcess) Activate(ctx context.Context, config map[string]any) error {
	return p.activateErr
}

func (p *fakeProcess) InvokeCapability(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if p.invokeFn != nil {
		return p.invokeFn(ctx, name, args)
	}
	return map[string]any{"capability": name}, nil
}

func (p *fakeProcess) Deactivate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivated = true
	return nil
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) wasDeactivated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deactivated
}

type fakeLauncher struct {
	mu        sync.Mutex
	launchErr error
	next      *fakeProcess
	launched  []*fakeProcess
	// gate, when set, holds Launch until closed. Simulates slow process
	// startup.
	gate <-chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context, binaryPath string) (Process, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	proc := l.next
	if proc == nil {
		proc = &fakeProcess{}
	}
	l.next = nil
	l.launched = append(l.launched, proc)
	return proc, nil
}

func writeTestPlugin(t *testing.T, manifest string) Discovered {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0o644))

	var parsed Manifest
	require.NoError(t, json.Unmarshal([]byte(manifest), &parsed))
	require.NoError(t, os.WriteFile(filepath.Join(dir, parsed.Main), []byte("#!/bin/true\n"), 0o755))

	return Discovered{ID: parsed.PluginID, Dir: dir, ManifestPath: filepath.Join(dir, ManifestFileName)}
}

func testManifest(id string, extra string) string {
	return fmt.Sprintf(`{
		"pluginId": %q,
		"version": "1.0.0",
		"main": "run",
		"capabilities": [
			{"name": %q, "description": "d", "permission": "public"}
		]%s
	}`, id, id+".do", extra)
}

func newTestManager(t *testing.T) (*Manager, *fakeLauncher, *registry.Registry, *eventbus.Bus) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(logger)
	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)
	launcher := &fakeLauncher{}
	mgr := NewManager(logger, NewManifestLoader(logger), launcher, reg, bus, nil)
	return mgr, launcher, reg, bus
}

func TestManagerLoadRegistersCapabilities(t *testing.T) {
	mgr, launcher, reg, bus := newTestManager(t)
	sub := bus.Subscribe("test", 8)
	defer sub.Close()

	discovered := writeTestPlugin(t, testManifest("alpha", ""))
	rec, err := mgr.Load(context.Background(), discovered, nil)
	require.NoError(t, err)

	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, []string{"alpha.do"}, rec.Tools)

	desc, err := reg.Resolve("alpha.do")
	require.NoError(t, err)
	assert.Equal(t, "alpha", desc.SourcePlugin)

	result, err := desc.Implementation.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha.do", result["capability"])
	require.Len(t, launcher.launched, 1)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventbus.EventPluginLoaded, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("no plugin.loaded event")
	}
}

func TestManagerLoadActivateFailure(t *testing.T) {
	mgr, launcher, reg, _ := newTestManager(t)
	proc := &fakeProcess{activateErr: errors.New("boom")}
	launcher.next = proc

	discovered := writeTestPlugin(t, testManifest("beta", ""))
	_, err := mgr.Load(context.Background(), discovered, nil)
	require.Error(t, err)

	assert.True(t, proc.wasKilled())
	assert.Equal(t, 0, reg.Count())

	rec, ok := mgr.Get("beta")
	require.True(t, ok)
	assert.Equal(t, StateFaulted, rec.State)
	assert.Contains(t, rec.FaultReason, "boom")
}

func TestManagerLoadRegistrationConflictRollsBack(t *testing.T) {
	mgr, launcher, reg, _ := newTestManager(t)

	require.NoError(t, reg.Register(registry.ToolDescriptor{
		Name:        "gamma.do",
		Description: "pre-existing",
		Permission:  registry.PermissionPublic,
	}))

	proc := &fakeProcess{}
	launcher.next = proc
	discovered := writeTestPlugin(t, testManifest("gamma", ""))
	_, err := mgr.Load(context.Background(), discovered, nil)
	require.Error(t, err)

	assert.True(t, proc.wasKilled())
	assert.True(t, proc.wasDeactivated())
	assert.Equal(t, 1, reg.Count())

	rec, ok := mgr.Get("gamma")
	require.True(t, ok)
	assert.Equal(t, StateFaulted, rec.State)
}

func TestManagerUnload(t *testing.T) {
	mgr, launcher, reg, bus := newTestManager(t)
	discovered := writeTestPlugin(t, testManifest("delta", ""))
	_, err := mgr.Load(context.Background(), discovered, nil)
	require.NoError(t, err)

	sub := bus.Subscribe("test", 8)
	defer sub.Close()

	require.NoError(t, mgr.Unload(context.Background(), "delta"))

	assert.Equal(t, 0, reg.Count())
	proc := launcher.launched[0]
	assert.True(t, proc.wasDeactivated())
	assert.True(t, proc.wasKilled())
	_, ok := mgr.Get("delta")
	assert.False(t, ok)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventbus.EventPluginUnloaded, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("no plugin.unloaded event")
	}

	assert.ErrorIs(t, mgr.Unload(context.Background(), "delta"), ErrPluginNotFound)
}

func TestManagerLoadDoesNotBlockReadsDuringProcessStart(t *testing.T) {
	mgr, launcher, _, _ := newTestManager(t)

	gate := make(chan struct{})
	launcher.mu.Lock()
	launcher.gate = gate
	launcher.mu.Unlock()

	discovered := writeTestPlugin(t, testManifest("slow-start", ""))

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Load(context.Background(), discovered, nil)
		done <- err
	}()

	// While the subprocess is starting, reads still answer and the ID is
	// reserved against a second load.
	require.Eventually(t, func() bool {
		rec, ok := mgr.Get("slow-start")
		return ok && rec.State == StateLoading
	}, time.Second, time.Millisecond)
	assert.Len(t, mgr.List(), 1)

	_, err := mgr.Load(context.Background(), discovered, nil)
	assert.ErrorIs(t, err, ErrPluginActive)

	close(gate)
	require.NoError(t, <-done)
	rec, ok := mgr.Get("slow-start")
	require.True(t, ok)
	assert.Equal(t, StateActive, rec.State)
}

func TestManagerUnloadDuringStartKillsOrphanProcess(t *testing.T) {
	mgr, launcher, reg, _ := newTestManager(t)

	gate := make(chan struct{})
	proc := &fakeProcess{}
	launcher.mu.Lock()
	launcher.gate = gate
	launcher.next = proc
	launcher.mu.Unlock()

	discovered := writeTestPlugin(t, testManifest("vanishing", ""))

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Load(context.Background(), discovered, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		rec, ok := mgr.Get("vanishing")
		return ok && rec.State == StateLoading
	}, time.Second, time.Millisecond)
	require.NoError(t, mgr.Unload(context.Background(), "vanishing"))

	close(gate)
	assert.ErrorIs(t, <-done, ErrPluginNotFound)
	assert.True(t, proc.wasKilled())
	_, ok := mgr.Get("vanishing")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

func TestManagerRequirements(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	dependent := writeTestPlugin(t, testManifest("needs-geo", `,
		"requires": [{"pluginId": "geo", "version": ">=1.0.0"}]`))

	_, err := mgr.Load(context.Background(), dependent, nil)
	assert.ErrorIs(t, err, ErrRequirementUnmet)

	base := writeTestPlugin(t, testManifest("geo", ""))
	_, err = mgr.Load(context.Background(), base, nil)
	require.NoError(t, err)

	_, err = mgr.Load(context.Background(), dependent, nil)
	assert.NoError(t, err)
}

func TestManagerRequirementVersionMismatch(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	base := writeTestPlugin(t, testManifest("geo", ""))
	_, err := mgr.Load(context.Background(), base, nil)
	require.NoError(t, err)

	dependent := writeTestPlugin(t, testManifest("needs-geo", `,
		"requires": [{"pluginId": "geo", "version": ">=2.0.0"}]`))
	_, err = mgr.Load(context.Background(), dependent, nil)
	assert.ErrorIs(t, err, ErrRequirementUnmet)
}

func TestManagerFault(t *testing.T) {
	mgr, launcher, reg, bus := newTestManager(t)
	discovered := writeTestPlugin(t, testManifest("epsilon", ""))
	_, err := mgr.Load(context.Background(), discovered, nil)
	require.NoError(t, err)

	sub := bus.Subscribe("test", 8)
	defer sub.Close()

	require.NoError(t, mgr.Fault("epsilon", "sandbox_violation"))

	assert.Equal(t, 0, reg.Count())
	assert.True(t, launcher.launched[0].wasKilled())

	rec, ok := mgr.Get("epsilon")
	require.True(t, ok)
	assert.Equal(t, StateFaulted, rec.State)
	assert.Equal(t, "sandbox_violation", rec.FaultReason)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventbus.EventPluginFaulted, ev.Name)
		payload, ok := ev.Payload.(eventbus.PluginPayload)
		require.True(t, ok)
		assert.Equal(t, "sandbox_violation", payload.Reason)
	case <-time.After(time.Second):
		t.Fatal("no plugin.faulted event")
	}
}

func TestManagerRunTimeBudgetFaultsPlugin(t *testing.T) {
	mgr, launcher, reg, _ := newTestManager(t)

	manifest := `{
		"pluginId": "slow",
		"version": "1.0.0",
		"main": "run",
		"capabilities": [
			{"name": "slow.do", "description": "d", "permission": "public"}
		],
		"sandbox": {"max_run_time": "50ms"}
	}`
	launcher.next = &fakeProcess{
		invokeFn: func(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	discovered := writeTestPlugin(t, manifest)
	_, err := mgr.Load(context.Background(), discovered, nil)
	require.NoError(t, err)

	desc, err := reg.Resolve("slow.do")
	require.NoError(t, err)

	_, err = desc.Implementation.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSandboxViolation)

	rec, ok := mgr.Get("slow")
	require.True(t, ok)
	assert.Equal(t, StateFaulted, rec.State)
	assert.Equal(t, "runtime_budget_exceeded", rec.FaultReason)
	assert.Equal(t, 0, reg.Count())
}

func TestManagerReload(t *testing.T) {
	mgr, launcher, reg, _ := newTestManager(t)
	discovered := writeTestPlugin(t, testManifest("zeta", ""))
	_, err := mgr.Load(context.Background(), discovered, nil)
	require.NoError(t, err)

	rec, err := mgr.Reload(context.Background(), "zeta")
	require.NoError(t, err)

	assert.Equal(t, StateActive, rec.State)
	assert.True(t, launcher.launched[0].wasKilled())
	require.Len(t, launcher.launched, 2)
	assert.Equal(t, 1, reg.Count())
}

func TestManagerShutdown(t *testing.T) {
	mgr, _, reg, _ := newTestManager(t)
	for _, id := range []string{"one", "two"} {
		_, err := mgr.Load(context.Background(), writeTestPlugin(t, testManifest(id, "")), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 2, reg.Count())

	mgr.Shutdown(context.Background())
	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, mgr.List())
}
