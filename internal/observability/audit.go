package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEntry is one append-only record of a permission decision. Entries are
// never mutated or deleted by the runtime; retention and rotation belong to
// whoever tails the log.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool"`
	CallerID  string    `json:"caller_id"`
	Decision  string    `json:"decision"`
	RequestID string    `json:"request_id"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditRecorder receives every permission decision. Implementations must be
// safe for concurrent use and must not drop entries.
type AuditRecorder interface {
	Record(entry AuditEntry)
}

// AuditLog appends entries as JSON lines through zerolog, to a file when
// configured and stderr otherwise.
type AuditLog struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLog creates an audit log writing to stderr.
func NewAuditLog() *AuditLog {
	return &AuditLog{
		logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// OpenAuditLog creates an audit log appending to the given file.
func OpenAuditLog(path string) (*AuditLog, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLog{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}, nil
}

// Record implements AuditRecorder.
func (a *AuditLog) Record(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Log().
		Time("ts", entry.Timestamp).
		Str("tool", entry.Tool).
		Str("caller_id", entry.CallerID).
		Str("decision", entry.Decision).
		Str("request_id", entry.RequestID).
		Str("reason", entry.Reason).
		Msg("audit")
}

// Close closes the underlying file, if any.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// MultiRecorder fans one entry out to several recorders.
type MultiRecorder []AuditRecorder

// Record implements AuditRecorder.
func (m MultiRecorder) Record(entry AuditEntry) {
	for _, r := range m {
		r.Record(entry)
	}
}
