// ABOUTME: AgentMessage persistence for the SQLite store
// ABOUTME: Messages are immutable once saved; queries are by execution or conversation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/identity"
)

// SaveMessage persists a routed message. Messages are never updated.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *AgentMessage) error {
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	var recipientRole *string
	if msg.RecipientRole != nil {
		r := string(*msg.RecipientRole)
		recipientRole = &r
	}

	query := `
		INSERT INTO agent_messages (
			id, execution_id, sender_id, sender_role, recipient_id,
			recipient_role, message_type, visibility, content, metadata_json,
			conversation_id, parent_message_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ExecutionID,
		msg.SenderID,
		string(msg.SenderRole),
		msg.RecipientID,
		recipientRole,
		string(msg.Type),
		string(msg.Visibility),
		msg.Content,
		metadata,
		msg.ConversationID,
		msg.ParentMessageID,
		msg.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a single message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*AgentMessage, error) {
	query := messageSelect + ` WHERE id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessagesByExecution returns an execution's messages in arrival order.
func (s *SQLiteStore) ListMessagesByExecution(ctx context.Context, executionID string, limit int) ([]*AgentMessage, error) {
	limit = clampLimit(limit)
	query := messageSelect + ` WHERE execution_id = ? ORDER BY created_at ASC LIMIT ?`
	return s.queryMessages(ctx, query, executionID, limit)
}

// ListMessagesByConversation returns a conversation's messages in arrival order.
func (s *SQLiteStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*AgentMessage, error) {
	query := messageSelect + ` WHERE conversation_id = ? ORDER BY created_at ASC`
	return s.queryMessages(ctx, query, conversationID)
}

const messageSelect = `
	SELECT id, execution_id, sender_id, sender_role, recipient_id,
	       recipient_role, message_type, visibility, content, metadata_json,
	       conversation_id, parent_message_id, created_at
	FROM agent_messages
`

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*AgentMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// scanMessage reads one agent_messages row.
func scanMessage(row rowScanner) (*AgentMessage, error) {
	msg := &AgentMessage{}
	var senderRole, msgType, visibility, createdAt string
	var recipientRole, metadata *string

	if err := row.Scan(
		&msg.ID,
		&msg.ExecutionID,
		&msg.SenderID,
		&senderRole,
		&msg.RecipientID,
		&recipientRole,
		&msgType,
		&visibility,
		&msg.Content,
		&metadata,
		&msg.ConversationID,
		&msg.ParentMessageID,
		&createdAt,
	); err != nil {
		return nil, err
	}

	msg.SenderRole = identity.Role(senderRole)
	if recipientRole != nil {
		r := identity.Role(*recipientRole)
		msg.RecipientRole = &r
	}
	msg.Type = MessageType(msgType)
	msg.Visibility = event.Visibility(visibility)

	var err error
	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.Metadata, err = unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
