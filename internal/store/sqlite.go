// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides execution/message/thread/envelope persistence with automatic schema creation

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC 3339 with a fixed nine-digit fraction. Timestamps live in
// TEXT columns that are compared and ordered lexicographically, which is only
// exact when every value has the same width.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS task_executions (
			id             TEXT PRIMARY KEY,
			task_id        TEXT NOT NULL,
			squad_id       TEXT NOT NULL,
			status         TEXT NOT NULL,
			workflow_state TEXT NOT NULL DEFAULT '',
			started_at     TEXT NOT NULL,
			completed_at   TEXT,
			error          TEXT,
			result         TEXT,
			metadata_json  TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		-- At most one active (non-terminal) execution per task.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active_task
			ON task_executions(task_id)
			WHERE status NOT IN ('completed', 'failed', 'cancelled');

		CREATE INDEX IF NOT EXISTS idx_executions_squad
			ON task_executions(squad_id, created_at);

		CREATE TABLE IF NOT EXISTS execution_logs (
			id           TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			status       TEXT NOT NULL,
			message      TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			FOREIGN KEY (execution_id) REFERENCES task_executions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_execution_logs_execution
			ON execution_logs(execution_id, created_at);

		CREATE TABLE IF NOT EXISTS agent_messages (
			id                TEXT PRIMARY KEY,
			execution_id      TEXT NOT NULL,
			sender_id         TEXT NOT NULL,
			sender_role       TEXT NOT NULL,
			recipient_id      TEXT,
			recipient_role    TEXT,
			message_type      TEXT NOT NULL,
			visibility        TEXT NOT NULL,
			content           TEXT NOT NULL,
			metadata_json     TEXT,
			conversation_id   TEXT,
			parent_message_id TEXT,
			created_at        TEXT NOT NULL,

			CHECK (visibility IN ('public', 'internal', 'system')),
			CHECK (message_type IN (
				'task_assignment', 'status_request', 'status_update',
				'question', 'answer', 'human_intervention_required',
				'code_review_request', 'code_review_response',
				'task_completion', 'standup'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_execution
			ON agent_messages(execution_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON agent_messages(conversation_id);

		CREATE TABLE IF NOT EXISTS conversation_threads (
			id                   TEXT PRIMARY KEY,
			execution_id         TEXT NOT NULL,
			initiator_id         TEXT NOT NULL,
			recipient_id         TEXT,
			participant_ids_json TEXT NOT NULL DEFAULT '[]',
			state                TEXT NOT NULL,
			opened_at            TEXT NOT NULL,
			last_activity_at     TEXT NOT NULL,
			timeout_at           TEXT,
			version              INTEGER NOT NULL DEFAULT 0,

			CHECK (state IN (
				'initiated', 'waiting', 'answered', 'timeout',
				'follow_up', 'escalating', 'escalated', 'cancelled'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_threads_due
			ON conversation_threads(state, timeout_at);

		CREATE TABLE IF NOT EXISTS thread_messages (
			thread_id  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			message_id TEXT NOT NULL,

			PRIMARY KEY (thread_id, seq)
		);

		CREATE TABLE IF NOT EXISTS event_envelopes (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			type         TEXT NOT NULL,
			execution_id TEXT,
			squad_id     TEXT,
			visibility   TEXT NOT NULL,
			payload_json TEXT,
			created_at   TEXT NOT NULL,

			CHECK (visibility IN ('public', 'internal', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_envelopes_execution
			ON event_envelopes(execution_id, seq);
		CREATE INDEX IF NOT EXISTS idx_envelopes_squad
			ON event_envelopes(squad_id, seq);

		CREATE TABLE IF NOT EXISTS squad_members (
			squad_id   TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			role       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (squad_id, agent_id),
			CHECK (role IN (
				'project_manager', 'tech_lead', 'backend_developer',
				'frontend_developer', 'qa_engineer', 'end_user'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_squad_members_role
			ON squad_members(squad_id, role);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// marshalMetadata encodes a metadata map as JSON, returning nil for empty maps.
func marshalMetadata(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	str := string(data)
	return &str, nil
}

// unmarshalMetadata decodes a metadata JSON column, tolerating NULL.
func unmarshalMetadata(raw *string) (map[string]any, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return m, nil
}
