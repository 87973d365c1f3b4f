// ABOUTME: Role definitions and the identity collaborator interface
// ABOUTME: Supplies caller roles and squad membership to routing and subscription checks

package identity

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownAgent is returned when an agent has no squad membership record.
var ErrUnknownAgent = errors.New("unknown agent")

// Role identifies an agent's function within a squad. The set is closed:
// message classification and escalation resolve roles against these values
// and nothing else.
type Role string

const (
	RoleProjectManager    Role = "project_manager"
	RoleTechLead          Role = "tech_lead"
	RoleBackendDeveloper  Role = "backend_developer"
	RoleFrontendDeveloper Role = "frontend_developer"
	RoleQAEngineer        Role = "qa_engineer"
	RoleEndUser           Role = "end_user"
)

// Roles lists every valid role.
var Roles = []Role{
	RoleProjectManager,
	RoleTechLead,
	RoleBackendDeveloper,
	RoleFrontendDeveloper,
	RoleQAEngineer,
	RoleEndUser,
}

// Valid reports whether r is one of the closed role set.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// UserFacing reports whether the role communicates directly with humans.
// Messages touching a user-facing role are classified public.
func (r Role) UserFacing() bool {
	return r == RoleProjectManager || r == RoleTechLead
}

// Member is a squad membership record.
type Member struct {
	SquadID   string
	AgentID   string
	Role      Role
	CreatedAt time.Time
}

// Provider supplies caller roles and squad membership. Implemented by the
// persistence layer; consumed by the message router (visibility
// classification), the conversation manager (escalation target resolution),
// and the gateway (subscription authorization).
type Provider interface {
	// RoleOf returns the role of an agent. Returns ErrUnknownAgent if the
	// agent has no membership record.
	RoleOf(ctx context.Context, agentID string) (Role, error)

	// SquadMembers lists all members of a squad.
	SquadMembers(ctx context.Context, squadID string) ([]*Member, error)

	// FindByRole returns a member of the squad holding the given role, or an
	// error if the squad has none. Resolution is by role, never by identity:
	// callers must not cache the returned agent ID across calls.
	FindByRole(ctx context.Context, squadID string, role Role) (*Member, error)

	// IsMember reports whether the agent belongs to the squad.
	IsMember(ctx context.Context, squadID, agentID string) (bool, error)
}
