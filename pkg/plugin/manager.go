package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/quelabs/quecore/internal/observability"
	"github.com/quelabs/quecore/pkg/capability"
	"github.com/quelabs/quecore/pkg/eventbus"
	"github.com/quelabs/quecore/pkg/registry"
)

var (
	// ErrPluginNotFound is returned for operations on an unknown plugin ID.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrPluginActive is returned when loading an ID that is already active.
	ErrPluginActive = errors.New("plugin already active")
	// ErrRequirementUnmet is returned when a declared dependency is missing
	// or its version falls outside the constraint.
	ErrRequirementUnmet = errors.New("plugin requirement unmet")
)

// ToolRegistrar is the slice of the tool registry the manager needs.
type ToolRegistrar interface {
	RegisterBatch(descs []registry.ToolDescriptor) error
	UnregisterPlugin(pluginID string) []string
}

// Manager owns the plugin lifecycle: discovery, loading, capability
// registration, faulting, and teardown. All state transitions happen under
// one mutex so observers never see a plugin half loaded.
type Manager struct {
	logger   zerolog.Logger
	loader   *ManifestLoader
	launcher Launcher
	registry ToolRegistrar
	bus      *eventbus.Bus
	metrics  *observability.Metrics

	mu      sync.Mutex
	plugins map[string]*loadedPlugin
}

type loadedPlugin struct {
	record  Record
	sandbox *Sandbox
	process Process
	config  map[string]any
}

// NewManager wires a manager. Metrics may be nil.
func NewManager(
	logger zerolog.Logger,
	loader *ManifestLoader,
	launcher Launcher,
	reg ToolRegistrar,
	bus *eventbus.Bus,
	metrics *observability.Metrics,
) *Manager {
	return &Manager{
		logger:   logger.With().Str("component", "plugin-manager").Logger(),
		loader:   loader,
		launcher: launcher,
		registry: reg,
		bus:      bus,
		metrics:  metrics,
		plugins:  make(map[string]*loadedPlugin),
	}
}

// Load brings one discovered plugin to Active. On any failure the plugin
// ends Faulted with nothing left registered: process killed, no tools in
// the registry.
func (m *Manager) Load(ctx context.Context, discovered Discovered, config map[string]any) (*Record, error) {
	manifest, err := m.loader.Load(discovered.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	binaryPath := filepath.Join(discovered.Dir, manifest.Main)
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("plugin executable not found: %s", binaryPath)
	}

	lp := &loadedPlugin{
		record: Record{
			Manifest: *manifest,
			State:    StateLoading,
			Dir:      discovered.Dir,
		},
		sandbox: NewSandbox(manifest.PluginID, manifest.Sandbox),
		config:  config,
	}

	m.mu.Lock()
	if existing, ok := m.plugins[manifest.PluginID]; ok &&
		(existing.record.State == StateActive || existing.record.State == StateLoading) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPluginActive, manifest.PluginID)
	}
	if err := m.checkRequirementsLocked(manifest); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.plugins[manifest.PluginID] = lp
	m.mu.Unlock()

	// Subprocess bring-up runs without the lock; Get, List, Fault, and
	// loads of other plugins are not stalled behind a process start. The
	// Loading record above reserves the ID in the meantime.
	process, err := m.launcher.Launch(ctx, binaryPath)
	if err != nil {
		return m.failLoad(lp, fmt.Errorf("failed to launch plugin: %w", err))
	}

	if err := process.Activate(ctx, config); err != nil {
		process.Kill()
		return m.failLoad(lp, fmt.Errorf("failed to activate plugin: %w", err))
	}

	descs := manifest.Descriptors(func(decl CapabilityDecl) capability.Capability {
		return m.boundCapability(manifest.PluginID, decl.Name)
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.plugins[manifest.PluginID] != lp {
		// Unloaded out from under us while the process was starting.
		process.Kill()
		return nil, fmt.Errorf("%w: %s removed during load", ErrPluginNotFound, manifest.PluginID)
	}
	lp.process = process

	if err := m.registry.RegisterBatch(descs); err != nil {
		_ = process.Deactivate(ctx)
		process.Kill()
		lp.process = nil
		return m.failLoadLocked(lp, fmt.Errorf("failed to register capabilities: %w", err))
	}

	lp.record.State = StateActive
	lp.record.LoadedAt = time.Now()
	lp.record.Tools = make([]string, 0, len(descs))
	for _, d := range descs {
		lp.record.Tools = append(lp.record.Tools, d.Name)
	}
	sort.Strings(lp.record.Tools)

	if m.metrics != nil {
		m.metrics.PluginsActive.Inc()
	}
	m.publish(eventbus.EventPluginLoaded, manifest.PluginID, "")
	m.logger.Info().
		Str("plugin", manifest.PluginID).
		Str("version", manifest.Version).
		Strs("tools", lp.record.Tools).
		Msg("Plugin loaded")

	rec := lp.record
	return &rec, nil
}

// Unload deactivates a plugin and removes its capabilities. Missing plugins
// are an error; faulted ones can still be unloaded to clear the record.
func (m *Manager) Unload(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lp, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	lp.record.State = StateUnloading

	removed := m.registry.UnregisterPlugin(pluginID)
	if lp.process != nil {
		if err := lp.process.Deactivate(ctx); err != nil {
			m.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Failed to deactivate plugin")
		}
		lp.process.Kill()
		lp.process = nil
	}
	delete(m.plugins, pluginID)

	if m.metrics != nil {
		m.metrics.PluginsActive.Dec()
	}
	m.publish(eventbus.EventPluginUnloaded, pluginID, "")
	m.logger.Info().Str("plugin", pluginID).Strs("tools", removed).Msg("Plugin unloaded")
	return nil
}

// Reload is an unload followed by a fresh load from the same directory.
// Failure leaves the plugin Faulted rather than half reloaded.
func (m *Manager) Reload(ctx context.Context, pluginID string) (*Record, error) {
	m.mu.Lock()
	lp, ok := m.plugins[pluginID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	dir := lp.record.Dir
	config := lp.config
	m.mu.Unlock()

	if err := m.Unload(ctx, pluginID); err != nil {
		return nil, err
	}
	rec, err := m.Load(ctx, Discovered{
		ID:           pluginID,
		Dir:          dir,
		ManifestPath: filepath.Join(dir, ManifestFileName),
	}, config)
	if err != nil {
		return nil, fmt.Errorf("failed to reload plugin %s: %w", pluginID, err)
	}
	return rec, nil
}

// Fault quarantines a plugin after a violation: its capabilities vanish
// from the registry, the process is killed, and the record stays behind
// marked Faulted so operators can see what happened.
func (m *Manager) Fault(pluginID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faultLocked(pluginID, reason)
}

func (m *Manager) faultLocked(pluginID, reason string) error {
	lp, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	wasActive := lp.record.State == StateActive

	m.registry.UnregisterPlugin(pluginID)
	if lp.process != nil {
		lp.process.Kill()
		lp.process = nil
	}
	lp.record.State = StateFaulted
	lp.record.FaultReason = reason
	lp.record.Tools = nil

	if m.metrics != nil {
		if wasActive {
			m.metrics.PluginsActive.Dec()
		}
		m.metrics.PluginFaultsTotal.WithLabelValues(pluginID, reason).Inc()
	}
	m.publish(eventbus.EventPluginFaulted, pluginID, reason)
	m.logger.Error().Str("plugin", pluginID).Str("reason", reason).Msg("Plugin faulted")
	return nil
}

// Get returns a copy of the record for a plugin ID.
func (m *Manager) Get(pluginID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lp, ok := m.plugins[pluginID]
	if !ok {
		return Record{}, false
	}
	return lp.record, true
}

// List returns records for every known plugin, sorted by ID.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.plugins))
	for _, lp := range m.plugins {
		out = append(out, lp.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.PluginID < out[j].Manifest.PluginID })
	return out
}

// Shutdown unloads all plugins. Errors are logged, not returned, since
// shutdown should always finish.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, rec := range m.List() {
		if err := m.Unload(ctx, rec.Manifest.PluginID); err != nil {
			m.logger.Warn().Err(err).Str("plugin", rec.Manifest.PluginID).Msg("Failed to unload plugin during shutdown")
		}
	}
}

func (m *Manager) checkRequirementsLocked(manifest *Manifest) error {
	for _, req := range manifest.Requires {
		dep, ok := m.plugins[req.PluginID]
		if !ok || dep.record.State != StateActive {
			return fmt.Errorf("%w: %s requires %s which is not active",
				ErrRequirementUnmet, manifest.PluginID, req.PluginID)
		}
		if req.Constraint == "" {
			continue
		}
		constraint, err := semver.NewConstraint(req.Constraint)
		if err != nil {
			return fmt.Errorf("invalid constraint %q for %s: %w", req.Constraint, req.PluginID, err)
		}
		version, err := semver.NewVersion(dep.record.Manifest.Version)
		if err != nil {
			return fmt.Errorf("invalid version %q for %s: %w", dep.record.Manifest.Version, req.PluginID, err)
		}
		if !constraint.Check(version) {
			return fmt.Errorf("%w: %s requires %s %s, found %s",
				ErrRequirementUnmet, manifest.PluginID, req.PluginID, req.Constraint, dep.record.Manifest.Version)
		}
	}
	return nil
}

func (m *Manager) failLoad(lp *loadedPlugin, err error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failLoadLocked(lp, err)
}

// failLoadLocked records a load failure as a Faulted plugin and returns
// the error.
func (m *Manager) failLoadLocked(lp *loadedPlugin, err error) (*Record, error) {
	lp.record.State = StateFaulted
	lp.record.FaultReason = err.Error()
	if m.metrics != nil {
		m.metrics.PluginFaultsTotal.WithLabelValues(lp.record.Manifest.PluginID, "load_failure").Inc()
	}
	m.publish(eventbus.EventPluginFaulted, lp.record.Manifest.PluginID, err.Error())
	m.logger.Error().Err(err).Str("plugin", lp.record.Manifest.PluginID).Msg("Plugin load failed")
	return nil, err
}

// boundCapability returns a capability that proxies to the plugin process
// and enforces the sandbox run-time budget. A call that keeps running past
// the budget faults the whole plugin; the stuck process cannot be trusted
// for further calls.
func (m *Manager) boundCapability(pluginID, name string) capability.Capability {
	return capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		m.mu.Lock()
		lp, ok := m.plugins[pluginID]
		if !ok || lp.record.State != StateActive || lp.process == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
		}
		process := lp.process
		budget := lp.sandbox.Policy().MaxRunTime.Std()
		m.mu.Unlock()

		callCtx := ctx
		if budget > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}

		type outcome struct {
			result map[string]any
			err    error
		}
		ch := make(chan outcome, 1)
		go func() {
			result, err := process.InvokeCapability(callCtx, name, args)
			ch <- outcome{result, err}
		}()

		select {
		case out := <-ch:
			return out.result, out.err
		case <-callCtx.Done():
			if budget > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				m.mu.Lock()
				_ = m.faultLocked(pluginID, "runtime_budget_exceeded")
				m.mu.Unlock()
				return nil, fmt.Errorf("%w: plugin %s: capability %s exceeded run-time budget",
					ErrSandboxViolation, pluginID, name)
			}
			return nil, callCtx.Err()
		}
	})
}

func (m *Manager) publish(event, pluginID, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Name:      event,
		Source:    "plugin-manager",
		Timestamp: time.Now(),
		Payload:   eventbus.PluginPayload{PluginID: pluginID, Reason: reason},
	})
}
