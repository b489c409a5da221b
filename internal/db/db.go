package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants — process events
const (
	EventProcessStarted = "process.started"
	EventProcessExited  = "process.exited"
)

// Event type constants — conversation turn events
const (
	EventTurnStarted         = "turn.started"
	EventTurnCompleted       = "turn.completed"
	EventTurnFailed          = "turn.failed"
	EventCompactionCompleted = "compaction.completed"
	EventSummarizerFailed    = "summarizer.failed"
	EventContextAssembled    = "context.assembled"
	EventModelFailed         = "model.failed"
	EventRetryScheduled      = "retry.scheduled"
	EventReplyAppended       = "reply.appended"
	EventTranscriptSaved     = "transcript.saved"
	EventThreadReset         = "thread.reset"
	EventReplySendFailed     = "reply.send_failed"
)

// Event type constants — provider circuit breaker
const (
	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates all tables: events, history, summaries.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_history_thread_id ON history(thread_id, id);

		CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			UNIQUE(thread_id, idx)
		);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// EventLog records events for one process. A nil *EventLog, or one
// without a database, discards everything, so callers never branch on
// whether event logging is configured.
type EventLog struct {
	DB *sql.DB
}

// Log records an event and returns its id (0 when discarded or failed).
// Failures are logged and swallowed; the event log never fails a turn.
func (l *EventLog) Log(parentID *int64, eventType string, payload map[string]any) int64 {
	if l == nil || l.DB == nil {
		return 0
	}
	if parentID != nil && *parentID == 0 {
		parentID = nil
	}
	id, err := LogEvent(l.DB, parentID, eventType, payload)
	if err != nil {
		slog.Warn("event log write failed", "event", eventType, "error", err)
		return 0
	}
	return id
}
