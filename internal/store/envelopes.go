// ABOUTME: Event envelope ledger backed by an AUTOINCREMENT sequence column
// ABOUTME: Seq gives a strict total order; per-scope reads filter on execution or squad

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/squadops/squadhub/internal/event"
)

// AppendEnvelope persists an envelope and assigns its sequence number from
// the ledger's AUTOINCREMENT column. env.Seq is filled in on return.
func (s *SQLiteStore) AppendEnvelope(ctx context.Context, env *event.Envelope) error {
	var payload *string
	if len(env.Payload) > 0 {
		p := string(env.Payload)
		payload = &p
	}

	var executionID, squadID *string
	if env.ExecutionID != "" {
		executionID = &env.ExecutionID
	}
	if env.SquadID != "" {
		squadID = &env.SquadID
	}

	query := `
		INSERT INTO event_envelopes (id, type, execution_id, squad_id, visibility, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		env.ID,
		string(env.Type),
		executionID,
		squadID,
		string(env.Visibility),
		payload,
		env.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting envelope: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading envelope sequence: %w", err)
	}
	env.Seq = seq
	return nil
}

// EnvelopesSince returns the envelopes on a scope's stream with Seq greater
// than afterSeq, oldest first. Used for replay on resubscribe.
func (s *SQLiteStore) EnvelopesSince(ctx context.Context, scope event.Scope, afterSeq int64, limit int) ([]*event.Envelope, error) {
	limit = clampLimit(limit)

	var column string
	switch scope.Kind {
	case event.ScopeExecution:
		column = "execution_id"
	case event.ScopeSquad:
		column = "squad_id"
	default:
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}

	query := fmt.Sprintf(`
		SELECT seq, id, type, execution_id, squad_id, visibility, payload_json, created_at
		FROM event_envelopes
		WHERE %s = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, column)

	rows, err := s.db.QueryContext(ctx, query, scope.ID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying envelopes: %w", err)
	}
	defer rows.Close()

	var envs []*event.Envelope
	for rows.Next() {
		env := &event.Envelope{}
		var typ, visibility, createdAt string
		var executionID, squadID, payload *string

		if err := rows.Scan(&env.Seq, &env.ID, &typ, &executionID, &squadID, &visibility, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning envelope row: %w", err)
		}

		env.Type = event.Type(typ)
		env.Visibility = event.Visibility(visibility)
		if executionID != nil {
			env.ExecutionID = *executionID
		}
		if squadID != nil {
			env.SquadID = *squadID
		}
		if payload != nil {
			env.Payload = []byte(*payload)
		}
		env.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing envelope timestamp: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating envelope rows: %w", err)
	}
	return envs, nil
}
