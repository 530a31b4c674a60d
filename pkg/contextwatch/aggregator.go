package contextwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quelabs/quecore/pkg/eventbus"
)

const (
	// DefaultPollSpec polls every two seconds.
	DefaultPollSpec = "@every 2s"
	// DefaultIdleThreshold is how long without input counts as idle.
	DefaultIdleThreshold = 5 * time.Minute

	probeTimeout = 1 * time.Second
)

// ErrAlreadyRunning is returned by Start on a running aggregator.
var ErrAlreadyRunning = errors.New("context aggregator already running")

// Options configures an Aggregator. Any probe may be nil, in which case
// that signal is simply not watched.
type Options struct {
	Window        WindowProbe
	Clipboard     ClipboardProbe
	Idle          IdleProbe
	PollSpec      string
	IdleThreshold time.Duration
}

// Aggregator polls the configured probes on a cron schedule and publishes
// context.* events when a signal changes.
type Aggregator struct {
	logger zerolog.Logger
	bus    *eventbus.Bus
	opts   Options

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	lastWindow    string
	lastClipboard string
	lastIdle      bool
	primed        bool
}

// New creates an aggregator. Events go to bus; nothing is polled until
// Start.
func New(logger zerolog.Logger, bus *eventbus.Bus, opts Options) *Aggregator {
	if opts.PollSpec == "" {
		opts.PollSpec = DefaultPollSpec
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	return &Aggregator{
		logger: logger.With().Str("component", "contextwatch").Logger(),
		bus:    bus,
		opts:   opts,
	}
}

// Start begins polling. The first poll primes the baseline without
// publishing, so startup does not produce a burst of spurious change
// events.
func (a *Aggregator) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAlreadyRunning
	}

	c := cron.New()
	if _, err := c.AddFunc(a.opts.PollSpec, a.poll); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", a.opts.PollSpec, err)
	}
	a.cron = c
	a.running = true
	c.Start()

	a.logger.Info().Str("schedule", a.opts.PollSpec).Msg("Context aggregator started")
	return nil
}

// Stop halts polling and waits for an in-flight poll to finish.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.running = false
	a.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		a.logger.Info().Msg("Context aggregator stopped")
	}
}

// Emit lets push-style sources inject a context change directly, bypassing
// polling. The event is published unconditionally.
func (a *Aggregator) Emit(event string, payload eventbus.ContextPayload) {
	a.publish(event, payload)
}

// poll runs one round against every configured probe. A failing probe is
// logged and skipped; it does not disturb the other signals. Probes run
// before the state lock is taken, so a slow probe never stalls Stop.
func (a *Aggregator) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var (
		windowOK    bool
		windowKey   string
		windowLabel string
	)
	if a.opts.Window != nil {
		if info, err := a.opts.Window.CurrentWindow(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Window probe failed")
		} else {
			windowOK = true
			windowKey = info.App + "\x00" + info.Title
			windowLabel = info.App + ": " + info.Title
		}
	}

	var (
		clipboardOK bool
		digest      string
	)
	if a.opts.Clipboard != nil {
		if content, err := a.opts.Clipboard.Clipboard(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Clipboard probe failed")
		} else {
			clipboardOK = true
			digest = digestOf(content)
		}
	}

	var (
		idleOK bool
		idle   bool
	)
	if a.opts.Idle != nil {
		if idleFor, err := a.opts.Idle.IdleDuration(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Idle probe failed")
		} else {
			idleOK = true
			idle = idleFor >= a.opts.IdleThreshold
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	priming := !a.primed
	a.primed = true

	if windowOK && windowKey != a.lastWindow {
		prev := a.lastWindow
		a.lastWindow = windowKey
		if !priming {
			a.publish(eventbus.EventContextWindow, eventbus.ContextPayload{
				Kind:     "window",
				Previous: prev,
				Current:  windowLabel,
			})
		}
	}

	if clipboardOK && digest != a.lastClipboard {
		prev := a.lastClipboard
		a.lastClipboard = digest
		if !priming {
			a.publish(eventbus.EventContextClipboard, eventbus.ContextPayload{
				Kind:     "clipboard",
				Previous: prev,
				Current:  digest,
			})
		}
	}

	if idleOK && (idle != a.lastIdle || priming) {
		a.lastIdle = idle
		if !priming {
			a.publish(eventbus.EventContextIdle, eventbus.ContextPayload{
				Kind:    "idle",
				Current: fmt.Sprintf("%t", idle),
			})
		}
	}
}

func (a *Aggregator) publish(event string, payload eventbus.ContextPayload) {
	a.bus.Publish(eventbus.Event{
		Name:      event,
		Source:    "contextwatch",
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// digestOf hashes clipboard content so change detection never retains or
// leaks what was copied.
func digestOf(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
