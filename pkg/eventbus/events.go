package eventbus

import "time"

// Well-known event names carried on the bus.
const (
	EventJobQueued    = "job.queued"
	EventJobRunning   = "job.running"
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
	EventJobTimedOut  = "job.timed_out"
	EventJobCancelled = "job.cancelled"

	EventContextWindow    = "context.window_changed"
	EventContextClipboard = "context.clipboard_changed"
	EventContextIdle      = "context.idle_changed"

	EventPluginLoaded   = "plugin.loaded"
	EventPluginUnloaded = "plugin.unloaded"
	EventPluginFaulted  = "plugin.faulted"

	EventRuntimeStarted  = "runtime.started"
	EventRuntimeStopping = "runtime.stopping"
)

// Event is an immutable, timestamped message. Once published it is never
// mutated; payloads must be treated as read-only by subscribers.
type Event struct {
	Name      string    `json:"name"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// JobPayload is the payload for job.* events, one per job state transition.
type JobPayload struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	CallerID  string `json:"caller_id,omitempty"`
	State     string `json:"state"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ContextPayload is the payload for context.* events.
type ContextPayload struct {
	Kind     string `json:"kind"`
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current"`
}

// PluginPayload is the payload for plugin.* events.
type PluginPayload struct {
	PluginID string   `json:"plugin_id"`
	Version  string   `json:"version,omitempty"`
	Tools    []string `json:"tools,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}
