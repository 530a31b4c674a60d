// Package engine schedules and supervises capability invocations against a
// bounded worker pool.
//
// Invariants:
// - FIFO admission; a saturated pool queues jobs, it never drops them.
// - Job state transitions are monotonic and each is published on the event
//   bus before the next begins.
// - A capability defect (error, panic, hang) never affects other in-flight
//   jobs or the engine itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quelabs/quecore/internal/observability"
	"github.com/quelabs/quecore/pkg/capability"
	"github.com/quelabs/quecore/pkg/eventbus"
)

var (
	// ErrEngineClosed is returned by Submit after Close.
	ErrEngineClosed = errors.New("execution engine is closed")
	// ErrDuplicateRequest rejects a request ID that was already submitted.
	ErrDuplicateRequest = errors.New("request ID already submitted")
	// ErrUnknownRequest is returned by Await/Cancel for IDs never submitted.
	ErrUnknownRequest = errors.New("unknown request ID")
)

const (
	defaultRunTimeout   = 30 * time.Second
	defaultAwaitCeiling = 10 * time.Minute
)

// Config tunes the engine.
type Config struct {
	// Workers bounds concurrent capability executions. Defaults to the
	// host CPU count.
	Workers int
	// DefaultRunTimeout applies to requests without their own deadline.
	DefaultRunTimeout time.Duration
	// AwaitCeiling caps Await calls that pass no timeout, so no caller can
	// block forever.
	AwaitCeiling time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.DefaultRunTimeout <= 0 {
		c.DefaultRunTimeout = defaultRunTimeout
	}
	if c.AwaitCeiling <= 0 {
		c.AwaitCeiling = defaultAwaitCeiling
	}
	return c
}

// InvocationRequest is one unit of work for the engine. The capability is
// already resolved and the args already validated; the engine does not go
// back to the registry.
type InvocationRequest struct {
	RequestID string
	ToolName  string
	CallerID  string
	Args      map[string]any
	// Deadline bounds the capability run. Zero uses the engine default.
	Deadline time.Duration

	Capability capability.Capability
}

// Stats is a consistent snapshot of the engine's accounting. At any instant
// Submitted == Queued + Active + Succeeded + Failed + TimedOut + Cancelled.
type Stats struct {
	Submitted int `json:"submitted"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`
}

type queued struct {
	job *Job
	req InvocationRequest
}

// Engine is the concurrent execution engine.
type Engine struct {
	cfg     Config
	bus     *eventbus.Bus
	metrics *observability.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*Job
	queue   []queued
	running int
	closed  bool
	stats   Stats

	wg sync.WaitGroup
}

// New creates an execution engine. The bus is required; metrics may be nil.
func New(cfg Config, bus *eventbus.Bus, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With().Str("component", "engine").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
	}

	e.logger.Info().Int("workers", cfg.Workers).Dur("default_timeout", cfg.DefaultRunTimeout).Msg("Execution engine started")
	return e
}

// Submit enqueues the request and returns immediately with a Queued job
// handle. The run happens asynchronously on the worker pool.
func (e *Engine) Submit(req InvocationRequest) (*Job, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("request ID cannot be empty")
	}
	if req.Capability == nil {
		return nil, fmt.Errorf("capability cannot be nil for %s", req.ToolName)
	}

	job := newJob(req.RequestID, req.ToolName, req.CallerID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if _, exists := e.jobs[req.RequestID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
	}
	e.jobs[req.RequestID] = job
	e.queue = append(e.queue, queued{job: job, req: req})
	e.stats.Submitted++
	e.stats.Queued++
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.JobsSubmittedTotal.WithLabelValues(req.ToolName).Inc()
		e.metrics.JobsQueued.Inc()
	}

	e.publish(eventbus.EventJobQueued, job, "", "")
	e.logger.Debug().Str("request_id", req.RequestID).Str("tool", req.ToolName).Msg("Job queued")

	e.dispatch()
	return job, nil
}

// Await blocks the caller until the job is terminal or the timeout elapses.
// A non-positive timeout is clamped to the engine's await ceiling; the
// engine never lets a caller block indefinitely. An elapsed await returns a
// Timeout result without disturbing the job, which keeps running.
func (e *Engine) Await(requestID string, timeout time.Duration) (InvocationResult, error) {
	e.mu.Lock()
	job, exists := e.jobs[requestID]
	e.mu.Unlock()

	if !exists {
		return InvocationResult{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	if timeout <= 0 || timeout > e.cfg.AwaitCeiling {
		timeout = e.cfg.AwaitCeiling
	}

	select {
	case <-job.Done():
		result, _ := job.Result()
		return result, nil
	case <-time.After(timeout):
		return FailureResult(requestID, KindTimeout, fmt.Sprintf("no terminal state within %v", timeout)), nil
	}
}

// Cancel requests cancellation. Queued jobs terminate immediately; running
// jobs get their context cancelled and are marked Cancelled right away,
// with the cleanup obligation falling on the capability.
func (e *Engine) Cancel(requestID string) error {
	e.mu.Lock()
	job, exists := e.jobs[requestID]
	e.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return nil
	}
	job.cancelRequested = true
	if job.state == StateQueued {
		// The terminal write happens in the same critical section as the
		// queued check, so a worker picking the job up afterwards sees it
		// terminal and leaves the accounting alone. Dispatch skips
		// terminal jobs when it reaches them.
		result := FailureResult(requestID, KindCancelled, "cancelled before execution")
		job.state = StateCancelled
		job.finishedAt = time.Now()
		job.result = result
		close(job.done)
		job.mu.Unlock()
		e.settle(job, StateCancelled, result, true)
		return nil
	}
	cancel := job.cancel
	job.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Stats returns a consistent accounting snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Close stops admission, cancels in-flight work, and waits for workers to
// finish their bookkeeping.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.queue
	e.queue = nil
	jobs := make([]*Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		jobs = append(jobs, job)
	}
	e.mu.Unlock()

	// Anything still in flight ends Cancelled, not TimedOut.
	for _, job := range jobs {
		job.mu.Lock()
		if !job.state.Terminal() {
			job.cancelRequested = true
		}
		job.mu.Unlock()
	}

	for _, item := range pending {
		item.job.mu.Lock()
		item.job.cancelRequested = true
		item.job.mu.Unlock()
		e.complete(item.job, StateCancelled, FailureResult(item.job.requestID, KindCancelled, "engine shut down"))
	}

	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Execution engine closed")
}

// dispatch moves queued jobs onto free workers, FIFO.
func (e *Engine) dispatch() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.running < e.cfg.Workers && len(e.queue) > 0 {
		item := e.queue[0]
		e.queue = e.queue[1:]

		if item.job.State().Terminal() {
			// Cancelled while queued; its accounting is already done.
			continue
		}

		e.running++
		e.wg.Add(1)
		go e.execute(item)
	}
}

// execute runs one job on a worker slot. It owns the job's transitions from
// here to terminal.
func (e *Engine) execute(item queued) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
		e.dispatch()
	}()

	job, req := item.job, item.req

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = e.cfg.DefaultRunTimeout
	}

	runCtx, cancelRun := context.WithTimeout(e.ctx, deadline)
	defer cancelRun()

	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	job.state = StateRunning
	job.startedAt = time.Now()
	job.cancel = cancelRun
	alreadyCancelled := job.cancelRequested
	job.mu.Unlock()

	e.mu.Lock()
	e.stats.Queued--
	e.stats.Active++
	e.mu.Unlock()

	e.publish(eventbus.EventJobRunning, job, "", "")
	if e.metrics != nil {
		e.metrics.JobsQueued.Dec()
		e.metrics.JobsActive.Inc()
	}

	if alreadyCancelled {
		e.finish(job, StateCancelled, FailureResult(req.RequestID, KindCancelled, "cancelled"), job.startedAt)
		return
	}

	resultCh := make(chan map[string]any, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("capability panicked: %v", r)
			}
		}()
		value, err := req.Capability.Invoke(runCtx, req.Args)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- value
	}()

	started := job.startedAt

	select {
	case value := <-resultCh:
		e.finish(job, StateSucceeded, SuccessResult(req.RequestID, value), started)

	case err := <-errCh:
		if runCtx.Err() != nil {
			e.finishInterrupted(job, req, started)
			return
		}
		e.finish(job, StateFailed, FailureResult(req.RequestID, KindExecutionError, err.Error()), started)

	case <-runCtx.Done():
		// The capability may still be running; it was signalled and owns
		// its own cleanup. The slot is released now regardless.
		e.finishInterrupted(job, req, started)
	}
}

// finishInterrupted resolves a deadline expiry vs an explicit cancellation.
func (e *Engine) finishInterrupted(job *Job, req InvocationRequest, started time.Time) {
	job.mu.Lock()
	cancelled := job.cancelRequested
	job.mu.Unlock()

	if cancelled {
		e.finish(job, StateCancelled, FailureResult(req.RequestID, KindCancelled, "cancelled during execution"), started)
		return
	}
	e.finish(job, StateTimedOut, FailureResult(req.RequestID, KindTimeout, "deadline exceeded"), started)
}

// finish records a terminal state for a job that held a worker slot.
func (e *Engine) finish(job *Job, state JobState, result InvocationResult, started time.Time) {
	if e.metrics != nil {
		e.metrics.JobsActive.Dec()
		e.metrics.JobDuration.WithLabelValues(job.tool).Observe(time.Since(started).Seconds())
	}
	e.complete(job, state, result)
}

// complete applies the terminal transition, updates accounting, and
// publishes the terminal event. Accounting is keyed on the state the job
// actually transitions out of, taken in the same critical section as the
// transition.
func (e *Engine) complete(job *Job, state JobState, result InvocationResult) {
	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	fromQueue := job.state == StateQueued
	job.state = state
	job.finishedAt = time.Now()
	job.result = result
	close(job.done)
	job.mu.Unlock()

	e.settle(job, state, result, fromQueue)
}

// settle does the post-transition bookkeeping: engine accounting, metrics,
// the terminal event. fromQueue marks jobs that never reached a worker.
func (e *Engine) settle(job *Job, state JobState, result InvocationResult, fromQueue bool) {
	e.mu.Lock()
	if fromQueue {
		e.stats.Queued--
	} else {
		e.stats.Active--
	}
	switch state {
	case StateSucceeded:
		e.stats.Succeeded++
	case StateFailed:
		e.stats.Failed++
	case StateTimedOut:
		e.stats.TimedOut++
	case StateCancelled:
		e.stats.Cancelled++
	}
	e.mu.Unlock()

	if fromQueue && e.metrics != nil {
		e.metrics.JobsQueued.Dec()
	}
	if e.metrics != nil {
		e.metrics.JobsCompletedTotal.WithLabelValues(job.tool, string(state)).Inc()
	}

	e.publish(terminalEvent(state), job, result.ErrorKind, result.ErrorMessage)

	e.logger.Debug().
		Str("request_id", job.requestID).
		Str("tool", job.tool).
		Str("state", string(state)).
		Msg("Job finished")
}

func terminalEvent(state JobState) string {
	switch state {
	case StateSucceeded:
		return eventbus.EventJobSucceeded
	case StateFailed:
		return eventbus.EventJobFailed
	case StateTimedOut:
		return eventbus.EventJobTimedOut
	case StateCancelled:
		return eventbus.EventJobCancelled
	default:
		return eventbus.EventJobFailed
	}
}

func (e *Engine) publish(name string, job *Job, kind ErrorKind, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Name:   name,
		Source: "engine",
		Payload: eventbus.JobPayload{
			RequestID: job.requestID,
			Tool:      job.tool,
			CallerID:  job.callerID,
			State:     string(job.State()),
			ErrorKind: string(kind),
			Error:     message,
		},
	})
}
