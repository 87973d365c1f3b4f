// ABOUTME: ConversationThread persistence with compare-and-swap state transitions
// ABOUTME: The CAS on (state, version) guarantees exactly one winner per timeout race

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateThread persists a new conversation thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *ConversationThread) error {
	participants, err := json.Marshal(thread.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}

	query := `
		INSERT INTO conversation_threads (
			id, execution_id, initiator_id, recipient_id, participant_ids_json,
			state, opened_at, last_activity_at, timeout_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		thread.ID,
		thread.ExecutionID,
		thread.InitiatorID,
		thread.RecipientID,
		string(participants),
		thread.State,
		thread.OpenedAt.UTC().Format(timeFormat),
		thread.LastActivityAt.UTC().Format(timeFormat),
		formatNullableTime(thread.TimeoutAt),
		thread.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// GetThread retrieves a single thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*ConversationThread, error) {
	query := `
		SELECT id, execution_id, initiator_id, recipient_id, participant_ids_json,
		       state, opened_at, last_activity_at, timeout_at, version
		FROM conversation_threads
		WHERE id = ?
	`

	thread, err := scanThread(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return thread, nil
}

// TransitionThread atomically moves a thread from (fromState, version) to
// toState, bumping the version and replacing the timeout deadline. Returns
// false without error when another writer got there first; the caller treats
// that as "already handled" and skips its side effects.
func (s *SQLiteStore) TransitionThread(ctx context.Context, id, fromState string, version int64, toState string, timeoutAt *time.Time) (bool, error) {
	query := `
		UPDATE conversation_threads
		SET state = ?, version = version + 1, timeout_at = ?, last_activity_at = ?
		WHERE id = ? AND state = ? AND version = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		toState,
		formatNullableTime(timeoutAt),
		time.Now().UTC().Format(timeFormat),
		id,
		fromState,
		version,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning thread: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking transition result: %w", err)
	}
	return rows > 0, nil
}

// DueThreads returns threads whose timeout deadline has passed and whose state
// still expects a reply. Ordered by deadline so the oldest overdue thread is
// handled first.
func (s *SQLiteStore) DueThreads(ctx context.Context, now time.Time) ([]*ConversationThread, error) {
	query := `
		SELECT id, execution_id, initiator_id, recipient_id, participant_ids_json,
		       state, opened_at, last_activity_at, timeout_at, version
		FROM conversation_threads
		WHERE state IN ('waiting', 'follow_up')
		  AND timeout_at IS NOT NULL
		  AND timeout_at <= ?
		ORDER BY timeout_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("querying due threads: %w", err)
	}
	defer rows.Close()

	var threads []*ConversationThread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}
	return threads, nil
}

// AppendThreadMessage records a message ID at the end of a thread's ordered
// message list.
func (s *SQLiteStore) AppendThreadMessage(ctx context.Context, threadID, messageID string) error {
	query := `
		INSERT INTO thread_messages (thread_id, seq, message_id)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?
		FROM thread_messages
		WHERE thread_id = ?
	`

	if _, err := s.db.ExecContext(ctx, query, threadID, messageID, threadID); err != nil {
		return fmt.Errorf("appending thread message: %w", err)
	}
	return nil
}

// ListThreadMessageIDs returns a thread's message IDs in append order.
func (s *SQLiteStore) ListThreadMessageIDs(ctx context.Context, threadID string) ([]string, error) {
	query := `
		SELECT message_id FROM thread_messages
		WHERE thread_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning thread message row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread message rows: %w", err)
	}
	return ids, nil
}

// scanThread reads one conversation_threads row.
func scanThread(row rowScanner) (*ConversationThread, error) {
	thread := &ConversationThread{}
	var participants, openedAt, lastActivityAt string
	var timeoutAt *string

	if err := row.Scan(
		&thread.ID,
		&thread.ExecutionID,
		&thread.InitiatorID,
		&thread.RecipientID,
		&participants,
		&thread.State,
		&openedAt,
		&lastActivityAt,
		&timeoutAt,
		&thread.Version,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(participants), &thread.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling participants: %w", err)
	}

	var err error
	thread.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing opened_at: %w", err)
	}
	thread.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	thread.TimeoutAt, err = parseNullableTime(timeoutAt)
	if err != nil {
		return nil, fmt.Errorf("parsing timeout_at: %w", err)
	}
	return thread, nil
}
