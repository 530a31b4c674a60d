// Package runtime assembles the tool invocation runtime: registry,
// permission gate, execution engine, event bus, plugin manager, and
// context aggregator, behind one facade that drivers call.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quelabs/quecore/internal/config"
	"github.com/quelabs/quecore/internal/observability"
	"github.com/quelabs/quecore/pkg/contextwatch"
	"github.com/quelabs/quecore/pkg/coretools"
	"github.com/quelabs/quecore/pkg/engine"
	"github.com/quelabs/quecore/pkg/eventbus"
	"github.com/quelabs/quecore/pkg/permission"
	"github.com/quelabs/quecore/pkg/plugin"
	"github.com/quelabs/quecore/pkg/registry"
)

// ErrNotStarted is returned by operations that need a started runtime.
var ErrNotStarted = errors.New("runtime not started")

// Options carries optional collaborators for New. Zero values select the
// production defaults.
type Options struct {
	// Launcher overrides the subprocess plugin launcher.
	Launcher plugin.Launcher
	// Probes feed the context aggregator. All nil disables nothing; the
	// aggregator simply has no signals to poll.
	Window    contextwatch.WindowProbe
	Clipboard contextwatch.ClipboardProbe
	Idle      contextwatch.IdleProbe
}

// Runtime owns every component and their lifecycles.
type Runtime struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus        *eventbus.Bus
	metrics    *observability.Metrics
	auditLog   *observability.AuditLog
	auditStore *observability.AuditStore
	registry   *registry.Registry
	gate       *permission.Gate
	engine     *engine.Engine
	plugins    *plugin.Manager
	discovery  *plugin.Discovery
	aggregator *contextwatch.Aggregator

	trusted map[string]bool

	mu          sync.Mutex
	started     bool
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

// New wires a runtime from configuration. Nothing external starts until
// Start.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Runtime, error) {
	log := logger.With().Str("component", "runtime").Logger()

	metrics := observability.NewMetrics()
	bus := eventbus.New(logger)
	bus.SetDropHook(func(subscriber string) {
		metrics.BusDroppedTotal.WithLabelValues(subscriber).Inc()
	})

	var auditLog *observability.AuditLog
	var err error
	if cfg.Audit.File != "" {
		auditLog, err = observability.OpenAuditLog(cfg.Audit.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	} else {
		auditLog = observability.NewAuditLog()
	}
	recorders := observability.MultiRecorder{auditLog}

	var auditStore *observability.AuditStore
	if cfg.Audit.SQLitePath != "" {
		auditStore, err = observability.OpenAuditStore(cfg.Audit.SQLitePath, logger)
		if err != nil {
			auditLog.Close()
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		recorders = append(recorders, auditStore)
	}

	tokens := permission.NewTokenStore(cfg.Permission.TokenTTL)
	gate := permission.NewGate(tokens, recorders, logger)
	gate.SetDecisionHook(func(d permission.Decision) {
		metrics.PermissionDecisionsTotal.WithLabelValues(string(d)).Inc()
	})
	for caller, policy := range cfg.Permission.Policies {
		gate.SetCallerPolicy(caller, &permission.CallerPolicy{
			Allow: policy.Allow,
			Deny:  policy.Deny,
		})
	}

	trusted := make(map[string]bool, len(cfg.Permission.TrustedCallers))
	for _, caller := range cfg.Permission.TrustedCallers {
		trusted[caller] = true
	}

	reg := registry.New(logger)
	eng := engine.New(engine.Config{
		Workers:           cfg.Engine.Workers,
		DefaultRunTimeout: cfg.Engine.DefaultRunTimeout,
		AwaitCeiling:      cfg.Engine.AwaitCeiling,
	}, bus, metrics, logger)

	launcher := opts.Launcher
	if launcher == nil {
		launcher = plugin.NewSubprocessLauncher(logger)
	}
	manager := plugin.NewManager(logger, plugin.NewManifestLoader(logger), launcher, reg, bus, metrics)
	discovery := plugin.NewDiscovery(logger, cfg.Plugins.Dirs)

	var aggregator *contextwatch.Aggregator
	if cfg.Context.Enabled {
		aggregator = contextwatch.New(logger, bus, contextwatch.Options{
			Window:        opts.Window,
			Clipboard:     opts.Clipboard,
			Idle:          opts.Idle,
			PollSpec:      cfg.Context.PollSpec,
			IdleThreshold: cfg.Context.IdleThreshold,
		})
	}

	rt := &Runtime{
		cfg:        cfg,
		logger:     log,
		bus:        bus,
		metrics:    metrics,
		auditLog:   auditLog,
		auditStore: auditStore,
		registry:   reg,
		gate:       gate,
		engine:     eng,
		plugins:    manager,
		discovery:  discovery,
		aggregator: aggregator,
		trusted:    trusted,
	}

	if cfg.Tools.Builtins {
		if err := coretools.Register(reg, coretools.Options{Info: rt.infoSnapshot}); err != nil {
			rt.closeSinks()
			return nil, fmt.Errorf("failed to register built-in tools: %w", err)
		}
	}
	return rt, nil
}

// Start loads plugins, begins directory watching when configured, and
// starts the context aggregator.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}

	discovered, err := r.discovery.Scan()
	if err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}
	for _, d := range discovered {
		if _, err := r.plugins.Load(ctx, d, r.cfg.Plugins.Configs[d.ID]); err != nil {
			r.logger.Warn().Err(err).Str("plugin", d.ID).Msg("Plugin failed to load")
		}
	}

	if r.cfg.Plugins.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		changes, err := r.discovery.Watch(watchCtx, r.cfg.Plugins.WatchDebounce)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Plugin watch unavailable")
			cancel()
		} else {
			done := make(chan struct{})
			r.cancelWatch = cancel
			r.watchDone = done
			go r.watchPlugins(changes, done)
		}
	}

	if r.aggregator != nil {
		if err := r.aggregator.Start(); err != nil {
			return fmt.Errorf("context aggregator failed to start: %w", err)
		}
	}

	r.started = true
	r.bus.Publish(eventbus.Event{
		Name:      eventbus.EventRuntimeStarted,
		Source:    "runtime",
		Timestamp: time.Now(),
	})
	r.logger.Info().Int("tools", r.registry.Count()).Msg("Runtime started")
	return nil
}

// Stop reverses Start: aggregator, watcher, plugins, engine, bus, sinks.
func (r *Runtime) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancelWatch := r.cancelWatch
	watchDone := r.watchDone
	r.cancelWatch = nil
	r.watchDone = nil
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{
		Name:      eventbus.EventRuntimeStopping,
		Source:    "runtime",
		Timestamp: time.Now(),
	})

	if r.aggregator != nil {
		r.aggregator.Stop()
	}
	if cancelWatch != nil {
		cancelWatch()
		<-watchDone
	}
	r.plugins.Shutdown(ctx)
	r.engine.Close()
	r.bus.Close()
	r.closeSinks()
	r.logger.Info().Msg("Runtime stopped")
}

func (r *Runtime) closeSinks() {
	if r.auditStore != nil {
		if err := r.auditStore.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close audit store")
		}
	}
	if err := r.auditLog.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close audit log")
	}
}

// watchPlugins applies debounced directory changes to the plugin manager.
func (r *Runtime) watchPlugins(changes <-chan plugin.Change, done chan struct{}) {
	defer close(done)
	for change := range changes {
		ctx := context.Background()
		switch change.Kind {
		case plugin.ChangeAdded:
			d := plugin.Discovered{
				ID:           change.PluginID,
				Dir:          change.Dir,
				ManifestPath: filepath.Join(change.Dir, plugin.ManifestFileName),
			}
			if _, err := r.plugins.Load(ctx, d, r.cfg.Plugins.Configs[change.PluginID]); err != nil {
				r.logger.Warn().Err(err).Str("plugin", change.PluginID).Msg("Hot load failed")
			}
		case plugin.ChangeUpdated:
			if _, err := r.plugins.Reload(ctx, change.PluginID); err != nil {
				r.logger.Warn().Err(err).Str("plugin", change.PluginID).Msg("Hot reload failed")
			}
		case plugin.ChangeRemoved:
			if err := r.plugins.Unload(ctx, change.PluginID); err != nil {
				r.logger.Warn().Err(err).Str("plugin", change.PluginID).Msg("Hot unload failed")
			}
		}
	}
}

// infoSnapshot feeds core.runtime_info.
func (r *Runtime) infoSnapshot() map[string]any {
	stats := r.engine.Stats()
	return map[string]any{
		"tool_count":     int64(r.registry.Count()),
		"plugin_count":   int64(len(r.plugins.List())),
		"jobs_submitted": int64(stats.Submitted),
		"jobs_active":    int64(stats.Active),
		"jobs_queued":    int64(stats.Queued),
	}
}

// ListTools returns all registered descriptors sorted by name.
func (r *Runtime) ListTools() []registry.ToolDescriptor {
	return r.registry.ListTools()
}

// Stats returns the engine's accounting snapshot.
func (r *Runtime) Stats() engine.Stats {
	return r.engine.Stats()
}

// Plugins exposes the plugin manager for drivers and the CLI.
func (r *Runtime) Plugins() *plugin.Manager {
	return r.plugins
}

// Metrics exposes the collector set for the gateway's /metrics endpoint.
func (r *Runtime) Metrics() *observability.Metrics {
	return r.metrics
}

// Aggregator returns the context aggregator, or nil when context watching
// is disabled.
func (r *Runtime) Aggregator() *contextwatch.Aggregator {
	return r.aggregator
}

// SubscribeEvents attaches a subscriber to the runtime event stream.
func (r *Runtime) SubscribeEvents(name string, buffer int) *eventbus.Subscription {
	return r.bus.Subscribe(name, buffer)
}

// Confirm issues a single-use confirmation token bound to a request ID.
// The driver relays it to the user interface; redeeming it happens on the
// next Invoke carrying the same request ID.
func (r *Runtime) Confirm(requestID string) (permission.Token, error) {
	if requestID == "" {
		return permission.Token{}, errors.New("request ID is required")
	}
	return r.gate.Tokens().Issue(requestID)
}

// Cancel requests cancellation of a submitted invocation.
func (r *Runtime) Cancel(requestID string) error {
	return r.engine.Cancel(requestID)
}

// InvokeOptions describes one invocation attempt.
type InvokeOptions struct {
	Tool     string
	Args     map[string]any
	CallerID string
	// Timeout bounds the capability run. Zero uses the engine default.
	Timeout time.Duration
	// ConfirmationToken redeems a previously issued token. It only
	// matches when RequestID equals the ID the token was issued for.
	ConfirmationToken string
	// RequestID lets a driver resubmit a confirmed invocation under the
	// ID the token is bound to. Empty generates a fresh one.
	RequestID string
}

// Outcome is what Invoke hands back to a driver.
type Outcome struct {
	RequestID string                  `json:"request_id"`
	Decision  permission.Decision     `json:"decision"`
	Result    engine.InvocationResult `json:"result"`
}

// Invoke runs the full pipeline: resolve, validate, gate, execute, await.
// Routine failures (unknown tool, bad args, denial, tool errors, timeouts)
// come back inside the Outcome; the error return is for runtime-level
// problems only.
func (r *Runtime) Invoke(ctx context.Context, opts InvokeOptions) (Outcome, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	out := Outcome{RequestID: requestID}

	desc, err := r.registry.Resolve(opts.Tool)
	if err != nil {
		out.Decision = permission.DecisionDeny
		out.Result = engine.FailureResult(requestID, engine.KindValidationError,
			fmt.Sprintf("unknown tool %q", opts.Tool))
		return out, nil
	}

	normalized, err := r.registry.ValidateArgs(desc, opts.Args)
	if err != nil {
		out.Decision = permission.DecisionDeny
		out.Result = engine.FailureResult(requestID, engine.KindValidationError, err.Error())
		return out, nil
	}

	decision := r.gate.Evaluate(desc, permission.CallerContext{
		CallerID:          opts.CallerID,
		RequestID:         requestID,
		Trusted:           r.trusted[opts.CallerID],
		ConfirmationToken: opts.ConfirmationToken,
	})
	out.Decision = decision
	switch decision {
	case permission.DecisionDeny:
		out.Result = engine.FailureResult(requestID, engine.KindPermissionDenied,
			fmt.Sprintf("caller %q may not invoke %s", opts.CallerID, opts.Tool))
		return out, nil
	case permission.DecisionRequireConfirmation:
		// Not an error: the driver obtains a token via Confirm and
		// resubmits under the same request ID.
		return out, nil
	}

	job, err := r.engine.Submit(engine.InvocationRequest{
		RequestID:  requestID,
		ToolName:   desc.Name,
		CallerID:   opts.CallerID,
		Args:       normalized,
		Deadline:   opts.Timeout,
		Capability: desc.Implementation,
	})
	if err != nil {
		return out, fmt.Errorf("failed to submit invocation: %w", err)
	}

	result, err := r.engine.Await(job.RequestID(), 0)
	if err != nil {
		return out, fmt.Errorf("failed to await invocation: %w", err)
	}
	out.Result = result
	return out, nil
}
