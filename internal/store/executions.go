// ABOUTME: TaskExecution and ExecutionLog persistence for the SQLite store
// ABOUTME: Enforces the single-active-execution-per-task constraint via a partial unique index

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateExecution persists a new task execution. Returns ErrDuplicateExecution
// if the task already has an active (non-terminal) execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *TaskExecution) error {
	metadata, err := marshalMetadata(exec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO task_executions (
			id, task_id, squad_id, status, workflow_state, started_at,
			completed_at, error, result, metadata_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		exec.ID,
		exec.TaskID,
		exec.SquadID,
		exec.Status,
		exec.WorkflowState,
		exec.StartedAt.UTC().Format(timeFormat),
		formatNullableTime(exec.CompletedAt),
		exec.Error,
		exec.Result,
		metadata,
		exec.CreatedAt.UTC().Format(timeFormat),
		exec.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateExecution
		}
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("execution created",
		"execution_id", exec.ID,
		"task_id", exec.TaskID,
		"squad_id", exec.SquadID,
	)
	return nil
}

// GetExecution retrieves a single execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	query := `
		SELECT id, task_id, squad_id, status, workflow_state, started_at,
		       completed_at, error, result, metadata_json, created_at, updated_at
		FROM task_executions
		WHERE id = ?
	`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution persists status, workflow state, and terminal fields.
// The row is matched by ID only; callers serialize concurrent updates with
// the state machine's per-execution lock.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *TaskExecution) error {
	metadata, err := marshalMetadata(exec.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE task_executions
		SET status = ?, workflow_state = ?, completed_at = ?, error = ?,
		    result = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		exec.Status,
		exec.WorkflowState,
		formatNullableTime(exec.CompletedAt),
		exec.Error,
		exec.Result,
		metadata,
		exec.UpdatedAt.UTC().Format(timeFormat),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutionsBySquad returns a squad's executions, newest first.
func (s *SQLiteStore) ListExecutionsBySquad(ctx context.Context, squadID string, limit int) ([]*TaskExecution, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, task_id, squad_id, status, workflow_state, started_at,
		       completed_at, error, result, metadata_json, created_at, updated_at
		FROM task_executions
		WHERE squad_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, squadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var execs []*TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution rows: %w", err)
	}
	return execs, nil
}

// AppendExecutionLog records an immutable transition log entry.
func (s *SQLiteStore) AppendExecutionLog(ctx context.Context, entry *ExecutionLog) error {
	query := `
		INSERT INTO execution_logs (id, execution_id, status, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.ExecutionID,
		entry.Status,
		entry.Message,
		entry.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns an execution's transition log in order.
func (s *SQLiteStore) ListExecutionLogs(ctx context.Context, executionID string, limit int) ([]*ExecutionLog, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, execution_id, status, message, created_at
		FROM execution_logs
		WHERE execution_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*ExecutionLog
	for rows.Next() {
		entry := &ExecutionLog{}
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &entry.Status, &entry.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing log timestamp: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log rows: %w", err)
	}
	return entries, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanExecution reads one task_executions row.
func scanExecution(row rowScanner) (*TaskExecution, error) {
	exec := &TaskExecution{}
	var startedAt, createdAt, updatedAt string
	var completedAt, metadata *string

	if err := row.Scan(
		&exec.ID,
		&exec.TaskID,
		&exec.SquadID,
		&exec.Status,
		&exec.WorkflowState,
		&startedAt,
		&completedAt,
		&exec.Error,
		&exec.Result,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	exec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	exec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	exec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	exec.CompletedAt, err = parseNullableTime(completedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	exec.Metadata, err = unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// formatNullableTime renders an optional timestamp for storage.
func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	str := t.UTC().Format(timeFormat)
	return &str
}

// parseNullableTime reads an optional timestamp column.
func parseNullableTime(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// clampLimit applies the default and cap used by all list queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
