// ABOUTME: Store interface and data types for squadhub persistence
// ABOUTME: Defines TaskExecution, AgentMessage, ConversationThread and the Store interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/identity"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateExecution is returned when starting an execution for a task
// that already has an active (non-terminal) execution
var ErrDuplicateExecution = errors.New("active execution already exists for task")

// TaskExecution tracks one squad's run at a task. Status strings are owned by
// the execution package; the store treats them as opaque and only enforces
// the single-active-execution constraint.
type TaskExecution struct {
	ID            string
	TaskID        string
	SquadID       string
	Status        string
	WorkflowState string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Error         *string
	Result        *string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExecutionLog is an immutable entry appended on every status transition.
type ExecutionLog struct {
	ID          string
	ExecutionID string
	Status      string
	Message     string
	CreatedAt   time.Time
}

// MessageType classifies agent-to-agent messages.
type MessageType string

const (
	MessageTypeTaskAssignment            MessageType = "task_assignment"
	MessageTypeStatusRequest             MessageType = "status_request"
	MessageTypeStatusUpdate              MessageType = "status_update"
	MessageTypeQuestion                  MessageType = "question"
	MessageTypeAnswer                    MessageType = "answer"
	MessageTypeHumanInterventionRequired MessageType = "human_intervention_required"
	MessageTypeCodeReviewRequest         MessageType = "code_review_request"
	MessageTypeCodeReviewResponse        MessageType = "code_review_response"
	MessageTypeTaskCompletion            MessageType = "task_completion"
	MessageTypeStandup                   MessageType = "standup"
)

// AgentMessage is a single routed message. RecipientID nil means broadcast to
// the whole squad. Immutable once persisted.
type AgentMessage struct {
	ID              string
	ExecutionID     string
	SenderID        string
	SenderRole      identity.Role
	RecipientID     *string
	RecipientRole   *identity.Role
	Type            MessageType
	Visibility      event.Visibility
	Content         string
	Metadata        map[string]any
	ConversationID  *string
	ParentMessageID *string
	CreatedAt       time.Time
}

// Broadcast reports whether the message addresses the whole squad.
func (m *AgentMessage) Broadcast() bool {
	return m.RecipientID == nil
}

// ConversationThread tracks a question/answer exchange with timeout state.
// The thread owns its ordered message-ID list (thread_messages table);
// messages point back only via their conversation_id, so there is no cyclic
// object graph to maintain.
type ConversationThread struct {
	ID             string
	ExecutionID    string
	InitiatorID    string
	RecipientID    *string
	ParticipantIDs []string
	State          string
	OpenedAt       time.Time
	LastActivityAt time.Time
	TimeoutAt      *time.Time
	Version        int64
}

// Store is the persistence interface consumed by the gateway wiring. The
// component packages declare their own narrower views of it.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *TaskExecution) error
	GetExecution(ctx context.Context, id string) (*TaskExecution, error)
	UpdateExecution(ctx context.Context, exec *TaskExecution) error
	ListExecutionsBySquad(ctx context.Context, squadID string, limit int) ([]*TaskExecution, error)
	AppendExecutionLog(ctx context.Context, entry *ExecutionLog) error
	ListExecutionLogs(ctx context.Context, executionID string, limit int) ([]*ExecutionLog, error)

	// Messages
	SaveMessage(ctx context.Context, msg *AgentMessage) error
	GetMessage(ctx context.Context, id string) (*AgentMessage, error)
	ListMessagesByExecution(ctx context.Context, executionID string, limit int) ([]*AgentMessage, error)
	ListMessagesByConversation(ctx context.Context, conversationID string) ([]*AgentMessage, error)

	// Conversation threads
	CreateThread(ctx context.Context, thread *ConversationThread) error
	GetThread(ctx context.Context, id string) (*ConversationThread, error)
	TransitionThread(ctx context.Context, id, fromState string, version int64, toState string, timeoutAt *time.Time) (bool, error)
	DueThreads(ctx context.Context, now time.Time) ([]*ConversationThread, error)
	AppendThreadMessage(ctx context.Context, threadID, messageID string) error
	ListThreadMessageIDs(ctx context.Context, threadID string) ([]string, error)

	// Event envelopes
	AppendEnvelope(ctx context.Context, env *event.Envelope) error
	EnvelopesSince(ctx context.Context, scope event.Scope, afterSeq int64, limit int) ([]*event.Envelope, error)

	// Squad membership (identity collaborator)
	AddSquadMember(ctx context.Context, member *identity.Member) error
	RemoveSquadMember(ctx context.Context, squadID, agentID string) error
	identity.Provider

	// Close releases any resources held by the store
	Close() error
}
