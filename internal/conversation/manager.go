// ABOUTME: Conversation thread lifecycle with timeout, follow-up, and escalation
// ABOUTME: All state changes go through the store CAS so sweep and reply race safely

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/identity"
	"github.com/squadops/squadhub/internal/router"
	"github.com/squadops/squadhub/internal/store"
)

// Thread states.
const (
	StateInitiated  = "initiated"
	StateWaiting    = "waiting"
	StateAnswered   = "answered"
	StateTimeout    = "timeout"
	StateFollowUp   = "follow_up"
	StateEscalating = "escalating"
	StateEscalated  = "escalated"
	StateCancelled  = "cancelled"
)

// terminal reports whether a thread state accepts no further changes.
func terminal(state string) bool {
	return state == StateAnswered || state == StateCancelled
}

// TimeoutEscalationError reports that an escalation could not be delivered
// because the squad has no project manager. The thread is force-cancelled
// with a system notice.
type TimeoutEscalationError struct {
	ThreadID string
	SquadID  string
}

func (e *TimeoutEscalationError) Error() string {
	return fmt.Sprintf("no project_manager in squad %s to escalate thread %s", e.SquadID, e.ThreadID)
}

// ThreadStore is the slice of the store the manager needs.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *store.ConversationThread) error
	GetThread(ctx context.Context, id string) (*store.ConversationThread, error)
	TransitionThread(ctx context.Context, id, fromState string, version int64, toState string, timeoutAt *time.Time) (bool, error)
	DueThreads(ctx context.Context, now time.Time) ([]*store.ConversationThread, error)
	AppendThreadMessage(ctx context.Context, threadID, messageID string) error
	GetExecution(ctx context.Context, id string) (*store.TaskExecution, error)
}

// Sender routes messages and system notices. Implemented by the router.
type Sender interface {
	Send(ctx context.Context, msg *store.AgentMessage) error
	System(ctx context.Context, executionID, squadID string, typ event.Type, payload any) error
}

// Manager tracks question/answer exchanges as threads with deadlines. A
// thread that misses its deadline gets one automated follow-up; a second miss
// escalates to the squad's project manager, resolved by role at escalation
// time.
type Manager struct {
	store           ThreadStore
	sender          Sender
	identity        identity.Provider
	timeout         time.Duration
	followUpTimeout time.Duration
	logger          *slog.Logger
}

// NewManager creates a conversation manager. timeout is the initial reply
// deadline, followUpTimeout the shorter deadline armed after the automated
// follow-up.
func NewManager(st ThreadStore, sender Sender, provider identity.Provider, timeout, followUpTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:           st,
		sender:          sender,
		identity:        provider,
		timeout:         timeout,
		followUpTimeout: followUpTimeout,
		logger:          logger.With("component", "conversation"),
	}
}

// Open creates a thread, sends the initial question through the router, and
// arms the reply deadline. A nil recipient broadcasts the question to the
// squad.
func (m *Manager) Open(ctx context.Context, executionID, initiatorID string, recipientID *string, content string) (*store.ConversationThread, error) {
	now := time.Now().UTC()
	thread := &store.ConversationThread{
		ID:             uuid.NewString(),
		ExecutionID:    executionID,
		InitiatorID:    initiatorID,
		RecipientID:    recipientID,
		ParticipantIDs: []string{initiatorID},
		State:          StateInitiated,
		OpenedAt:       now,
		LastActivityAt: now,
	}
	if recipientID != nil {
		thread.ParticipantIDs = append(thread.ParticipantIDs, *recipientID)
	}

	if err := m.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}

	msg := &store.AgentMessage{
		ExecutionID:    executionID,
		SenderID:       initiatorID,
		RecipientID:    recipientID,
		Type:           store.MessageTypeQuestion,
		Content:        content,
		ConversationID: &thread.ID,
	}
	if err := m.send(ctx, msg); err != nil {
		return nil, fmt.Errorf("sending question: %w", err)
	}
	m.appendMessage(ctx, thread.ID, msg.ID)

	deadline := now.Add(m.timeout)
	ok, err := m.store.TransitionThread(ctx, thread.ID, StateInitiated, thread.Version, StateWaiting, &deadline)
	if err != nil {
		return nil, fmt.Errorf("arming deadline: %w", err)
	}
	if ok {
		thread.State = StateWaiting
		thread.TimeoutAt = &deadline
		thread.Version++
	}

	m.logger.Info("conversation opened",
		"thread_id", thread.ID,
		"execution_id", executionID,
		"initiator", initiatorID,
		"deadline", deadline,
	)
	return thread, nil
}

// OnReply records an answer on the thread and settles it. The reply is always
// persisted and routed; only the first reply changes state, later ones land
// as ordinary messages (the CAS loses and that is fine).
func (m *Manager) OnReply(ctx context.Context, threadID string, msg *store.AgentMessage) error {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}

	msg.ConversationID = &threadID
	if msg.Type == "" {
		msg.Type = store.MessageTypeAnswer
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	m.appendMessage(ctx, threadID, msg.ID)

	if terminal(thread.State) {
		return nil
	}

	ok, err := m.store.TransitionThread(ctx, threadID, thread.State, thread.Version, StateAnswered, nil)
	if err != nil {
		return fmt.Errorf("settling thread: %w", err)
	}
	if !ok {
		// Lost the race with the sweeper (or another reply); the message is
		// stored either way.
		m.logger.Debug("reply lost transition race", "thread_id", threadID)
		return nil
	}

	m.logger.Info("conversation answered", "thread_id", threadID, "responder", msg.SenderID)
	return nil
}

// Cancel moves a thread to cancelled from any non-terminal state. Idempotent.
func (m *Manager) Cancel(ctx context.Context, threadID string) error {
	for {
		thread, err := m.store.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if terminal(thread.State) {
			return nil
		}

		ok, err := m.store.TransitionThread(ctx, threadID, thread.State, thread.Version, StateCancelled, nil)
		if err != nil {
			return err
		}
		if ok {
			m.logger.Info("conversation cancelled", "thread_id", threadID)
			return nil
		}
		// State moved under us; reload and retry against the new version.
	}
}

// Sweep advances every thread past its deadline. waiting threads get an
// automated follow-up with a shorter deadline; follow_up threads escalate to
// the squad's project manager. Each edge fires at most once per thread: the
// CAS decides the winner when a reply lands at the boundary instant.
func (m *Manager) Sweep(ctx context.Context, now time.Time) error {
	due, err := m.store.DueThreads(ctx, now)
	if err != nil {
		return fmt.Errorf("listing due threads: %w", err)
	}

	for _, thread := range due {
		switch thread.State {
		case StateWaiting:
			m.sweepWaiting(ctx, thread, now)
		case StateFollowUp:
			m.sweepFollowUp(ctx, thread)
		}
	}
	return nil
}

// sweepWaiting handles the first missed deadline: waiting → timeout →
// follow-up message → follow_up with a shorter deadline.
func (m *Manager) sweepWaiting(ctx context.Context, thread *store.ConversationThread, now time.Time) {
	ok, err := m.store.TransitionThread(ctx, thread.ID, StateWaiting, thread.Version, StateTimeout, nil)
	if err != nil {
		m.logger.Warn("timing out thread", "thread_id", thread.ID, "error", err)
		return
	}
	if !ok {
		// A reply won the race.
		return
	}

	msg := &store.AgentMessage{
		ExecutionID:    thread.ExecutionID,
		SenderID:       thread.InitiatorID,
		SenderRole:     m.roleOf(ctx, thread.InitiatorID),
		RecipientID:    thread.RecipientID,
		Type:           store.MessageTypeStatusRequest,
		Visibility:     event.VisibilitySystem,
		Content:        "Still there? The question above is awaiting your reply.",
		ConversationID: &thread.ID,
	}
	if err := m.send(ctx, msg); err != nil {
		m.logger.Warn("sending follow-up", "thread_id", thread.ID, "error", err)
	} else {
		m.appendMessage(ctx, thread.ID, msg.ID)
	}

	deadline := now.Add(m.followUpTimeout)
	// Version+1 is the bump from the winning CAS above. A reply landing in
	// between moves the thread out of timeout and bumps again, so a lost CAS
	// here means answered, and the follow-up deadline must not be armed.
	if _, err := m.store.TransitionThread(ctx, thread.ID, StateTimeout, thread.Version+1, StateFollowUp, &deadline); err != nil {
		m.logger.Warn("arming follow-up deadline", "thread_id", thread.ID, "error", err)
		return
	}

	m.logger.Info("conversation timed out, follow-up sent",
		"thread_id", thread.ID,
		"new_deadline", deadline,
	)
}

// sweepFollowUp handles the second missed deadline: follow_up → escalating →
// escalation notice to the project manager → escalated. The PM is resolved by
// role at this moment, never cached.
func (m *Manager) sweepFollowUp(ctx context.Context, thread *store.ConversationThread) {
	ok, err := m.store.TransitionThread(ctx, thread.ID, StateFollowUp, thread.Version, StateEscalating, nil)
	if err != nil {
		m.logger.Warn("escalating thread", "thread_id", thread.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	exec, err := m.store.GetExecution(ctx, thread.ExecutionID)
	if err != nil {
		m.logger.Error("resolving execution for escalation", "thread_id", thread.ID, "error", err)
		return
	}

	pm, err := m.identity.FindByRole(ctx, exec.SquadID, identity.RoleProjectManager)
	if err != nil {
		m.escalationFailed(ctx, thread, exec)
		return
	}

	msg := &store.AgentMessage{
		ExecutionID:    thread.ExecutionID,
		SenderID:       thread.InitiatorID,
		SenderRole:     m.roleOf(ctx, thread.InitiatorID),
		RecipientID:    &pm.AgentID,
		RecipientRole:  &pm.Role,
		Type:           store.MessageTypeHumanInterventionRequired,
		Visibility:     event.VisibilitySystem,
		Content:        "Escalation: a question in this conversation went unanswered through its follow-up deadline.",
		ConversationID: &thread.ID,
	}
	if err := m.send(ctx, msg); err != nil {
		m.logger.Error("sending escalation", "thread_id", thread.ID, "error", err)
		return
	}
	m.appendMessage(ctx, thread.ID, msg.ID)

	// Version+1 is the bump from the winning CAS above; a late reply bumps
	// again and wins, leaving the thread answered instead of escalated.
	if _, err := m.store.TransitionThread(ctx, thread.ID, StateEscalating, thread.Version+1, StateEscalated, nil); err != nil {
		m.logger.Warn("marking thread escalated", "thread_id", thread.ID, "error", err)
		return
	}

	m.logger.Warn("conversation escalated",
		"thread_id", thread.ID,
		"execution_id", thread.ExecutionID,
		"project_manager", pm.AgentID,
	)
}

// escalationFailed force-cancels a thread whose squad has no project manager
// and leaves a system notice on the execution's streams.
func (m *Manager) escalationFailed(ctx context.Context, thread *store.ConversationThread, exec *store.TaskExecution) {
	escErr := &TimeoutEscalationError{ThreadID: thread.ID, SquadID: exec.SquadID}
	m.logger.Error("escalation target missing, cancelling conversation",
		"thread_id", thread.ID,
		"squad_id", exec.SquadID,
		"error", escErr,
	)

	if err := m.sender.System(ctx, thread.ExecutionID, exec.SquadID, event.TypeError, map[string]any{
		"thread_id": thread.ID,
		"reason":    escErr.Error(),
	}); err != nil {
		m.logger.Warn("emitting escalation failure notice", "thread_id", thread.ID, "error", err)
	}

	if _, err := m.store.TransitionThread(ctx, thread.ID, StateEscalating, thread.Version+1, StateCancelled, nil); err != nil {
		m.logger.Warn("cancelling unescalatable thread", "thread_id", thread.ID, "error", err)
	}
}

// send routes a message, treating degraded delivery as success: the message
// is durable and recipients recover from the store.
func (m *Manager) send(ctx context.Context, msg *store.AgentMessage) error {
	err := m.sender.Send(ctx, msg)
	var degraded *router.DeliveryDegradedError
	if errors.As(err, &degraded) {
		return nil
	}
	return err
}

func (m *Manager) appendMessage(ctx context.Context, threadID, messageID string) {
	if err := m.store.AppendThreadMessage(ctx, threadID, messageID); err != nil {
		m.logger.Warn("appending thread message", "thread_id", threadID, "error", err)
	}
}

// roleOf best-effort resolves an agent's role for automated messages sent on
// its behalf. An unknown agent leaves the role empty for the router to
// resolve.
func (m *Manager) roleOf(ctx context.Context, agentID string) identity.Role {
	role, err := m.identity.RoleOf(ctx, agentID)
	if err != nil {
		return ""
	}
	return role
}
