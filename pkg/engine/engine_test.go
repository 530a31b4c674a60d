package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quelabs/quecore/pkg/capability"
	"github.com/quelabs/quecore/pkg/eventbus"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	e := New(cfg, bus, nil, zerolog.Nop())
	t.Cleanup(func() {
		e.Close()
		bus.Close()
	})
	return e, bus
}

func echoCapability() capability.Capability {
	return capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"echo": args["text"]}, nil
	})
}

func blockingCapability(release <-chan struct{}) capability.Capability {
	return capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestEngine_SubmitAndAwaitSuccess(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 2})

	job, err := e.Submit(InvocationRequest{
		RequestID:  "req-1",
		ToolName:   "core.echo",
		CallerID:   "test",
		Args:       map[string]any{"text": "hello"},
		Capability: echoCapability(),
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", job.RequestID())

	result, err := e.Await("req-1", time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Value["echo"])
	assert.Equal(t, StateSucceeded, job.State())
	assert.False(t, job.FinishedAt().IsZero())
}

func TestEngine_CapabilityErrorBecomesExecutionError(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 1})

	_, err := e.Submit(InvocationRequest{
		RequestID: "req-err",
		ToolName:  "broken",
		Capability: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("disk on fire")
		}),
	})
	require.NoError(t, err)

	result, err := e.Await("req-err", time.Second)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, KindExecutionError, result.ErrorKind)
	assert.Contains(t, result.ErrorMessage, "disk on fire")
}

func TestEngine_PanicIsIsolatedToOneJob(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 2})

	_, err := e.Submit(InvocationRequest{
		RequestID: "req-panic",
		ToolName:  "panicky",
		Capability: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			panic("boom")
		}),
	})
	require.NoError(t, err)

	_, err = e.Submit(InvocationRequest{
		RequestID:  "req-ok",
		ToolName:   "core.echo",
		Args:       map[string]any{"text": "still alive"},
		Capability: echoCapability(),
	})
	require.NoError(t, err)

	panicked, err := e.Await("req-panic", time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindExecutionError, panicked.ErrorKind)
	assert.Contains(t, panicked.ErrorMessage, "panicked")

	ok, err := e.Await("req-ok", time.Second)
	require.NoError(t, err)
	assert.True(t, ok.Success)
}

func TestEngine_DeadlineTimesOutAndSignalsCancellation(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 1})

	sawCancel := make(chan struct{})
	_, err := e.Submit(InvocationRequest{
		RequestID: "req-slow",
		ToolName:  "slow",
		Deadline:  50 * time.Millisecond,
		Capability: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{}, nil
			case <-ctx.Done():
				close(sawCancel)
				return nil, ctx.Err()
			}
		}),
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := e.Await("req-slow", 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, KindTimeout, result.ErrorKind)
	assert.Less(t, time.Since(start), time.Second, "timeout should fire near the 50ms deadline")

	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("capability never saw the cancellation signal")
	}
}

func TestEngine_TimedOutEvenIfCapabilityIgnoresCancel(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 1})

	unblock := make(chan struct{})
	defer close(unblock)

	_, err := e.Submit(InvocationRequest{
		RequestID: "req-stubborn",
		ToolName:  "stubborn",
		Deadline:  50 * time.Millisecond,
		Capability: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			<-unblock // ignores ctx entirely
			return map[string]any{}, nil
		}),
	})
	require.NoError(t, err)

	result, err := e.Await("req-stubborn", time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, result.ErrorKind)
}

func TestEngine_SaturatedPoolQueuesWithoutLoss(t *testing.T) {
	const workers = 2
	const jobs = 6

	e, _ := newTestEngine(t, Config{Workers: workers})

	release := make(chan struct{})
	for i := 0; i < jobs; i++ {
		_, err := e.Submit(InvocationRequest{
			RequestID:  fmt.Sprintf("req-%d", i),
			ToolName:   "blocker",
			Capability: blockingCapability(release),
		})
		require.NoError(t, err)
	}

	// Let the pool fill.
	require.Eventually(t, func() bool {
		return e.Stats().Active == workers
	}, time.Second, 5*time.Millisecond)

	stats := e.Stats()
	assert.Equal(t, jobs, stats.Submitted)
	assert.Equal(t, jobs-workers, stats.Queued)

	close(release)

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := e.Await(fmt.Sprintf("req-%d", i), 2*time.Second)
			assert.NoError(t, err)
			assert.True(t, result.Success)
		}(i)
	}
	wg.Wait()

	stats = e.Stats()
	assert.Equal(t, jobs, stats.Succeeded)
	assert.Equal(t, stats.Submitted, stats.Queued+stats.Active+stats.Succeeded+stats.Failed+stats.TimedOut+stats.Cancelled)
}

func TestEngine_AwaitTimeoutIsDistinctFromJobFailure(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 1, DefaultRunTimeout: time.Minute})

	release := make(chan struct{})
	defer close(release)

	_, err := e.Submit(InvocationRequest{
		RequestID:  "req-waiting",
		ToolName:   "blocker",
		Capability: blockingCapability(release),
	})
	require.NoError(t, err)

	result, err := e.Await("req-waiting", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, result.ErrorKind)

	// The job itself is still running, untouched by the impatient caller.
	e.mu.Lock()
	job := e.jobs["req-waiting"]
	e.mu.Unlock()
	assert.Equal(t, StateRunning, job.State())
}

func TestEngine_CancelQueuedJob(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 1})

	release := make(chan struct{})
	defer close(release)

	_, err := e.Submit(InvocationRequest{RequestID: "req-hog", ToolName: "blocker", Capability: blockingCapability(release)})
	require.NoError(t, err)
	job, err := e.Submit(InvocationRequest{RequestID: "req-queued", ToolName: "blocker", Capability: blockingCapability(release)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.Stats().Active == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateQueued, job.State())

	require.NoError(t, e.Cancel("req-queued"))

	result, err := e.Await("req-queued", time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindCancelled, result.ErrorKind)
	assert.Equal(t, StateCancelled, job.State())
}

func TestEngine_CancelRunningJob(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 1, DefaultRunTimeout: time.Minute})

	started := make(chan struct{})
	job, err := e.Submit(InvocationRequest{
		RequestID: "req-running",
		ToolName:  "long",
		Capability: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, e.Cancel("req-running"))

	result, err := e.Await("req-running", time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindCancelled, result.ErrorKind)
	assert.Equal(t, StateCancelled, job.State())
}

func TestEngine_CancelRacingDispatchKeepsAccountingConsistent(t *testing.T) {
	// One worker, one blocker hogging it, one queued victim. Releasing the
	// blocker and cancelling the victim at the same time races the queued
	// cancel against the dispatcher handing the victim to the worker;
	// whichever side wins, the accounting and the event order must hold.
	for i := 0; i < 200; i++ {
		bus := eventbus.New(zerolog.Nop())
		sub := bus.Subscribe("test", 64)
		e := New(Config{Workers: 1, DefaultRunTimeout: time.Minute}, bus, nil, zerolog.Nop())

		release := make(chan struct{})
		_, err := e.Submit(InvocationRequest{RequestID: "req-hog", ToolName: "blocker", Capability: blockingCapability(release)})
		require.NoError(t, err)
		victimID := fmt.Sprintf("req-victim-%d", i)
		_, err = e.Submit(InvocationRequest{RequestID: victimID, ToolName: "blocker", Capability: blockingCapability(release)})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return e.Stats().Active == 1 }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			close(release)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Cancel(victimID))
		}()
		wg.Wait()

		_, err = e.Await("req-hog", 2*time.Second)
		require.NoError(t, err)
		_, err = e.Await(victimID, 2*time.Second)
		require.NoError(t, err)

		// The victim may have been cancelled while queued or may have won
		// the slot and run to completion; either way nothing dangles.
		require.Eventually(t, func() bool {
			s := e.Stats()
			return s.Queued == 0 && s.Active == 0
		}, time.Second, time.Millisecond)
		stats := e.Stats()
		assert.GreaterOrEqual(t, stats.Queued, 0)
		assert.Equal(t, stats.Submitted, stats.Queued+stats.Active+stats.Succeeded+stats.Failed+stats.TimedOut+stats.Cancelled)

		e.Close()
		bus.Close()

		var victimEvents []string
		for ev := range sub.Events() {
			payload, ok := ev.Payload.(eventbus.JobPayload)
			if ok && payload.RequestID == victimID {
				victimEvents = append(victimEvents, ev.Name)
			}
		}
		switch len(victimEvents) {
		case 2:
			assert.Equal(t, eventbus.EventJobQueued, victimEvents[0])
			assert.Equal(t, eventbus.EventJobCancelled, victimEvents[1])
		case 3:
			assert.Equal(t, eventbus.EventJobQueued, victimEvents[0])
			assert.Equal(t, eventbus.EventJobRunning, victimEvents[1])
		default:
			t.Fatalf("iteration %d: unexpected event sequence %v", i, victimEvents)
		}
	}
}

func TestEngine_DuplicateAndUnknownRequestIDs(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 1})

	_, err := e.Submit(InvocationRequest{RequestID: "req-dup", ToolName: "core.echo", Capability: echoCapability()})
	require.NoError(t, err)

	_, err = e.Submit(InvocationRequest{RequestID: "req-dup", ToolName: "core.echo", Capability: echoCapability()})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	_, err = e.Await("never-submitted", time.Second)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	assert.ErrorIs(t, e.Cancel("never-submitted"), ErrUnknownRequest)
}

func TestEngine_PublishesTransitionsInOrder(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	defer bus.Close()
	sub := bus.Subscribe("test", 16)

	e := New(Config{Workers: 1}, bus, nil, zerolog.Nop())
	defer e.Close()

	_, err := e.Submit(InvocationRequest{
		RequestID:  "req-events",
		ToolName:   "core.echo",
		Args:       map[string]any{"text": "x"},
		Capability: echoCapability(),
	})
	require.NoError(t, err)

	_, err = e.Await("req-events", time.Second)
	require.NoError(t, err)

	var names []string
	for len(names) < 3 {
		select {
		case ev := <-sub.Events():
			names = append(names, ev.Name)
			payload, ok := ev.Payload.(eventbus.JobPayload)
			require.True(t, ok)
			assert.Equal(t, "req-events", payload.RequestID)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 job events, got %v", names)
		}
	}

	assert.Equal(t, []string{
		eventbus.EventJobQueued,
		eventbus.EventJobRunning,
		eventbus.EventJobSucceeded,
	}, names)
}

func TestEngine_SubmitAfterCloseFails(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	defer bus.Close()

	e := New(Config{Workers: 1}, bus, nil, zerolog.Nop())
	e.Close()

	_, err := e.Submit(InvocationRequest{RequestID: "late", ToolName: "core.echo", Capability: echoCapability()})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_CloseCancelsPendingWork(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	defer bus.Close()

	e := New(Config{Workers: 1, DefaultRunTimeout: time.Minute}, bus, nil, zerolog.Nop())

	release := make(chan struct{})
	defer close(release)

	_, err := e.Submit(InvocationRequest{RequestID: "req-active", ToolName: "blocker", Capability: blockingCapability(release)})
	require.NoError(t, err)
	queuedJob, err := e.Submit(InvocationRequest{RequestID: "req-pending", ToolName: "blocker", Capability: blockingCapability(release)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	e.Close()

	assert.Equal(t, StateCancelled, queuedJob.State())
	stats := e.Stats()
	assert.Equal(t, stats.Submitted, stats.Queued+stats.Active+stats.Succeeded+stats.Failed+stats.TimedOut+stats.Cancelled)
	assert.Zero(t, stats.Active)
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateRunning.Terminal())
	for _, s := range []JobState{StateSucceeded, StateFailed, StateTimedOut, StateCancelled} {
		assert.True(t, s.Terminal())
	}
}

func TestResultConstructors(t *testing.T) {
	ok := SuccessResult("r", nil)
	assert.True(t, ok.Success)
	assert.NotNil(t, ok.Value)
	assert.Empty(t, ok.ErrorKind)

	bad := FailureResult("r", KindExecutionError, "nope")
	assert.False(t, bad.Success)
	assert.Nil(t, bad.Value)
	assert.Equal(t, KindExecutionError, bad.ErrorKind)
}
