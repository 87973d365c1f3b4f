// ABOUTME: Squad membership persistence; implements the identity.Provider interface
// ABOUTME: Role lookups back the router's visibility classification and escalation targeting

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/squadops/squadhub/internal/identity"
)

// AddSquadMember registers an agent in a squad. Re-adding an existing member
// replaces its role.
func (s *SQLiteStore) AddSquadMember(ctx context.Context, member *identity.Member) error {
	if !member.Role.Valid() {
		return fmt.Errorf("invalid role %q for agent %s", member.Role, member.AgentID)
	}

	query := `
		INSERT INTO squad_members (squad_id, agent_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (squad_id, agent_id) DO UPDATE SET role = excluded.role
	`

	_, err := s.db.ExecContext(ctx, query,
		member.SquadID,
		member.AgentID,
		string(member.Role),
		member.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting squad member: %w", err)
	}
	return nil
}

// RemoveSquadMember drops an agent from a squad. Removing a non-member is
// not an error.
func (s *SQLiteStore) RemoveSquadMember(ctx context.Context, squadID, agentID string) error {
	query := `DELETE FROM squad_members WHERE squad_id = ? AND agent_id = ?`
	if _, err := s.db.ExecContext(ctx, query, squadID, agentID); err != nil {
		return fmt.Errorf("removing squad member: %w", err)
	}
	return nil
}

// RoleOf resolves an agent's role across all squads. An agent holds the same
// role everywhere, so any membership row answers the question.
func (s *SQLiteStore) RoleOf(ctx context.Context, agentID string) (identity.Role, error) {
	query := `SELECT role FROM squad_members WHERE agent_id = ? LIMIT 1`

	var role string
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", identity.ErrUnknownAgent
	}
	if err != nil {
		return "", fmt.Errorf("querying agent role: %w", err)
	}
	return identity.Role(role), nil
}

// SquadMembers lists a squad's membership.
func (s *SQLiteStore) SquadMembers(ctx context.Context, squadID string) ([]*identity.Member, error) {
	query := `
		SELECT squad_id, agent_id, role, created_at
		FROM squad_members
		WHERE squad_id = ?
		ORDER BY agent_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, squadID)
	if err != nil {
		return nil, fmt.Errorf("querying squad members: %w", err)
	}
	defer rows.Close()

	var members []*identity.Member
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating member rows: %w", err)
	}
	return members, nil
}

// FindByRole returns the first squad member holding the given role, or
// ErrNotFound when the squad has none. Used to target escalations at the
// project manager.
func (s *SQLiteStore) FindByRole(ctx context.Context, squadID string, role identity.Role) (*identity.Member, error) {
	query := `
		SELECT squad_id, agent_id, role, created_at
		FROM squad_members
		WHERE squad_id = ? AND role = ?
		ORDER BY agent_id ASC
		LIMIT 1
	`

	member, err := scanMember(s.db.QueryRowContext(ctx, query, squadID, string(role)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying member by role: %w", err)
	}
	return member, nil
}

// IsMember reports whether the agent belongs to the squad.
func (s *SQLiteStore) IsMember(ctx context.Context, squadID, agentID string) (bool, error) {
	query := `SELECT 1 FROM squad_members WHERE squad_id = ? AND agent_id = ?`

	var one int
	err := s.db.QueryRowContext(ctx, query, squadID, agentID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying membership: %w", err)
	}
	return true, nil
}

func scanMember(row rowScanner) (*identity.Member, error) {
	member := &identity.Member{}
	var role, createdAt string

	if err := row.Scan(&member.SquadID, &member.AgentID, &role, &createdAt); err != nil {
		return nil, err
	}

	member.Role = identity.Role(role)
	var err error
	member.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing member created_at: %w", err)
	}
	return member, nil
}
