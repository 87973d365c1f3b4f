// ABOUTME: Routes agent messages with persistence-first semantics and visibility classification
// ABOUTME: Every message is saved and put on the event ledger before best-effort delivery

package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/squadops/squadhub/internal/agent"
	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/identity"
	"github.com/squadops/squadhub/internal/store"
)

// DeliveryDegradedError reports that a message was persisted and put on the
// ledger but one or more live deliveries failed. The message is not lost;
// recipients recover it from the store or the event stream.
type DeliveryDegradedError struct {
	MessageID string
	Failures  []string
}

func (e *DeliveryDegradedError) Error() string {
	return fmt.Sprintf("message %s persisted but delivery degraded for %d recipient(s)", e.MessageID, len(e.Failures))
}

// MessageStore is the slice of the store the router needs.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *store.AgentMessage) error
	GetExecution(ctx context.Context, id string) (*store.TaskExecution, error)
	AppendEnvelope(ctx context.Context, env *event.Envelope) error
}

// Broadcaster fans a persisted envelope out to live subscribers.
type Broadcaster interface {
	Broadcast(env *event.Envelope)
}

// Router validates, classifies, persists, and delivers agent messages.
type Router struct {
	store    MessageStore
	identity identity.Provider
	registry *agent.Registry
	hub      Broadcaster
	logger   *slog.Logger
}

// New creates a message router.
func New(st MessageStore, provider identity.Provider, registry *agent.Registry, hub Broadcaster, logger *slog.Logger) *Router {
	return &Router{
		store:    st,
		identity: provider,
		registry: registry,
		hub:      hub,
		logger:   logger.With("component", "router"),
	}
}

// Send routes a message from an agent. The message is persisted and appended
// to the event ledger before any live delivery is attempted; a persistence
// failure aborts the send, a delivery failure only degrades it (returned as
// *DeliveryDegradedError with the message already durable).
func (r *Router) Send(ctx context.Context, msg *store.AgentMessage) error {
	if msg.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if msg.SenderID == "" {
		return fmt.Errorf("sender_id is required")
	}
	if msg.Content == "" {
		return fmt.Errorf("content is required")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if err := r.resolveRoles(ctx, msg); err != nil {
		return err
	}
	if msg.Visibility == "" {
		msg.Visibility = Classify(msg.SenderRole, msg.RecipientRole)
	}

	exec, err := r.store.GetExecution(ctx, msg.ExecutionID)
	if err != nil {
		return fmt.Errorf("resolving execution %s: %w", msg.ExecutionID, err)
	}

	// Record first, then act.
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}

	env := &event.Envelope{
		ID:          uuid.NewString(),
		Type:        event.TypeMessage,
		ExecutionID: msg.ExecutionID,
		SquadID:     exec.SquadID,
		Visibility:  msg.Visibility,
		Payload:     event.MarshalPayload(messagePayload(msg)),
		Timestamp:   msg.CreatedAt,
	}
	if err := r.store.AppendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("appending envelope: %w", err)
	}

	r.hub.Broadcast(env)

	if failures := r.deliver(ctx, exec.SquadID, msg); len(failures) > 0 {
		r.logger.Warn("message delivery degraded",
			"message_id", msg.ID,
			"execution_id", msg.ExecutionID,
			"failures", failures,
		)
		return &DeliveryDegradedError{MessageID: msg.ID, Failures: failures}
	}

	r.logger.Debug("message routed",
		"message_id", msg.ID,
		"execution_id", msg.ExecutionID,
		"type", msg.Type,
		"visibility", msg.Visibility,
		"broadcast", msg.Broadcast(),
	)
	return nil
}

// System emits a coordinator notice on an execution's streams. System notices
// have no agent sender and are always visible to every subscriber.
func (r *Router) System(ctx context.Context, executionID, squadID string, typ event.Type, payload any) error {
	env := &event.Envelope{
		ID:          uuid.NewString(),
		Type:        typ,
		ExecutionID: executionID,
		SquadID:     squadID,
		Visibility:  event.VisibilitySystem,
		Payload:     event.MarshalPayload(payload),
		Timestamp:   time.Now().UTC(),
	}
	if err := r.store.AppendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("appending system envelope: %w", err)
	}
	r.hub.Broadcast(env)
	return nil
}

// resolveRoles fills in sender and recipient roles from the identity provider.
// Roles already present on the message are trusted; the conversation manager
// sets them when re-sending on behalf of an agent.
func (r *Router) resolveRoles(ctx context.Context, msg *store.AgentMessage) error {
	if msg.SenderRole == "" {
		role, err := r.identity.RoleOf(ctx, msg.SenderID)
		if err != nil {
			return fmt.Errorf("resolving sender %s: %w", msg.SenderID, err)
		}
		msg.SenderRole = role
	}

	if msg.RecipientID != nil && msg.RecipientRole == nil {
		role, err := r.identity.RoleOf(ctx, *msg.RecipientID)
		if err != nil {
			return fmt.Errorf("resolving recipient %s: %w", *msg.RecipientID, err)
		}
		msg.RecipientRole = &role
	}
	return nil
}

// deliver hands the message to live in-process agents: the single recipient
// for direct messages, every squad member except the sender for broadcasts.
// Offline agents are skipped silently; they catch up from the store.
func (r *Router) deliver(ctx context.Context, squadID string, msg *store.AgentMessage) []string {
	var failures []string

	if !msg.Broadcast() {
		if a, ok := r.registry.Get(*msg.RecipientID); ok {
			if err := a.Deliver(ctx, msg); err != nil {
				failures = append(failures, *msg.RecipientID)
			}
		}
		return failures
	}

	members, err := r.identity.SquadMembers(ctx, squadID)
	if err != nil {
		r.logger.Warn("listing squad members for broadcast", "squad_id", squadID, "error", err)
		return []string{squadID}
	}

	for _, m := range members {
		if m.AgentID == msg.SenderID {
			continue
		}
		a, ok := r.registry.Get(m.AgentID)
		if !ok {
			continue
		}
		if err := a.Deliver(ctx, msg); err != nil {
			failures = append(failures, m.AgentID)
		}
	}
	return failures
}

// Classify derives message visibility from the participant roles: traffic
// touching a user-facing role (project manager or tech lead) is public,
// everything else stays squad-internal.
func Classify(sender identity.Role, recipient *identity.Role) event.Visibility {
	if sender.UserFacing() {
		return event.VisibilityPublic
	}
	if recipient != nil && recipient.UserFacing() {
		return event.VisibilityPublic
	}
	return event.VisibilityInternal
}

func messagePayload(msg *store.AgentMessage) map[string]any {
	payload := map[string]any{
		"message_id":   msg.ID,
		"sender_id":    msg.SenderID,
		"sender_role":  msg.SenderRole,
		"message_type": msg.Type,
		"content":      msg.Content,
	}
	if msg.RecipientID != nil {
		payload["recipient_id"] = *msg.RecipientID
	}
	if msg.ConversationID != nil {
		payload["conversation_id"] = *msg.ConversationID
	}
	return payload
}
