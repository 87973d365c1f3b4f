// ABOUTME: Registry of in-process agents and their delivery inboxes
// ABOUTME: Central lookup used by the router for direct and broadcast dispatch

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/squadops/squadhub/internal/identity"
	"github.com/squadops/squadhub/internal/store"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is an in-process participant that can receive routed messages.
// Deliver must not block indefinitely; the router treats a Deliver error as a
// degraded delivery, not a routing failure.
type Agent interface {
	ID() string
	Role() identity.Role
	Deliver(ctx context.Context, msg *store.AgentMessage) error
}

// Registry coordinates registered agents and answers liveness queries.
type Registry struct {
	agents map[string]Agent
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger.With("component", "agent-registry"),
	}
}

// Register adds an agent to the registry.
// Returns ErrAgentAlreadyRegistered if an agent with the same ID exists.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID()]; exists {
		return ErrAgentAlreadyRegistered
	}

	r.agents[a.ID()] = a
	r.logger.Info("agent registered",
		"agent_id", a.ID(),
		"role", a.Role(),
		"total_agents", len(r.agents),
	)
	return nil
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		delete(r.agents, agentID)
		r.logger.Info("agent unregistered",
			"agent_id", agentID,
			"total_agents", len(r.agents),
		)
	}
}

// Get retrieves a specific agent by ID.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	return a, ok
}

// IsOnline checks whether an agent with the given ID is currently registered.
func (r *Registry) IsOnline(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// List returns the currently registered agents.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	return agents
}
