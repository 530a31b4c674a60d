package observability

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	tool TEXT NOT NULL,
	caller_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	request_id TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool);
`

// AuditStore persists audit entries to sqlite for external inspection.
// The runtime only ever inserts; it never updates, deletes, or truncates.
type AuditStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// OpenAuditStore opens (creating if needed) the sqlite audit database.
func OpenAuditStore(path string, logger zerolog.Logger) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return &AuditStore{
		db:     db,
		logger: logger.With().Str("component", "audit-store").Logger(),
	}, nil
}

// Record implements AuditRecorder. Insert failures are logged, never
// surfaced to the permission path; a broken disk must not turn into a
// permission outage.
func (s *AuditStore) Record(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts, tool, caller_id, decision, request_id, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Tool, entry.CallerID, entry.Decision, entry.RequestID, entry.Reason,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("tool", entry.Tool).Msg("Failed to persist audit entry")
	}
}

// Recent returns the most recent entries, newest first.
func (s *AuditStore) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT ts, tool, caller_id, decision, request_id, reason FROM audit_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Timestamp, &e.Tool, &e.CallerID, &e.Decision, &e.RequestID, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByRequest returns how many entries exist for a request ID.
func (s *AuditStore) CountByRequest(requestID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE request_id = ?`, requestID).Scan(&count)
	return count, err
}

// Close closes the database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
