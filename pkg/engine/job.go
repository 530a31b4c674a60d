package engine

import (
	"sync"
	"time"
)

// JobState is the lifecycle state of one invocation.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timed_out"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final. A job never transitions out
// of a terminal state.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// ErrorKind classifies invocation failures. Only KindInternalError is a
// runtime defect; everything else is a routine outcome.
type ErrorKind string

const (
	KindValidationError  ErrorKind = "validation_error"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindExecutionError   ErrorKind = "execution_error"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindInternalError    ErrorKind = "internal_error"
)

// InvocationResult is the structured outcome of one invocation. Exactly one
// of Value or the error pair is populated; use the constructors.
type InvocationResult struct {
	RequestID    string         `json:"request_id"`
	Success      bool           `json:"success"`
	Value        map[string]any `json:"value,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// SuccessResult builds a successful result.
func SuccessResult(requestID string, value map[string]any) InvocationResult {
	if value == nil {
		value = map[string]any{}
	}
	return InvocationResult{RequestID: requestID, Success: true, Value: value}
}

// FailureResult builds a failed result.
func FailureResult(requestID string, kind ErrorKind, message string) InvocationResult {
	return InvocationResult{RequestID: requestID, ErrorKind: kind, ErrorMessage: message}
}

// Job is the engine's tracking record for one invocation. State transitions
// are strictly monotonic and owned by the engine; external code only reads.
type Job struct {
	requestID string
	tool      string
	callerID  string

	mu         sync.Mutex
	state      JobState
	startedAt  time.Time
	finishedAt time.Time
	result     InvocationResult

	// cancelRequested distinguishes an explicit Cancel from a deadline.
	cancelRequested bool
	cancel          func()

	done chan struct{}
}

func newJob(requestID, tool, callerID string) *Job {
	return &Job{
		requestID: requestID,
		tool:      tool,
		callerID:  callerID,
		state:     StateQueued,
		done:      make(chan struct{}),
	}
}

// RequestID returns the request this job executes.
func (j *Job) RequestID() string { return j.requestID }

// Tool returns the tool name this job executes.
func (j *Job) Tool() string { return j.tool }

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// StartedAt returns when the job began running (zero while queued).
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

// FinishedAt returns when the job reached a terminal state.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the invocation result and whether the job is terminal yet.
func (j *Job) Result() (InvocationResult, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.Terminal() {
		return InvocationResult{}, false
	}
	return j.result, true
}
