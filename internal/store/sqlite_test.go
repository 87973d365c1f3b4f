// ABOUTME: Tests for the SQLite store against an in-memory database
// ABOUTME: Covers the active-execution constraint, thread CAS, envelope ordering, and membership

package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/identity"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newExecution(taskID, squadID string) *TaskExecution {
	now := time.Now().UTC()
	return &TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SquadID:   squadID,
		Status:    "pending",
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestExecution_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	exec := newExecution("task-1", "squad-1")
	exec.Metadata = map[string]any{"priority": "high"}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "high", got.Metadata["priority"])
	assert.Nil(t, got.CompletedAt)
}

func TestExecution_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(t.Context(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecution_DuplicateActiveRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateExecution(ctx, newExecution("task-1", "squad-1")))

	err := s.CreateExecution(ctx, newExecution("task-1", "squad-1"))
	assert.ErrorIs(t, err, ErrDuplicateExecution)
}

func TestExecution_NewExecutionAllowedAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	first := newExecution("task-1", "squad-1")
	require.NoError(t, s.CreateExecution(ctx, first))

	// Completing the first execution frees the task for a re-run.
	now := time.Now().UTC()
	first.Status = "completed"
	first.CompletedAt = &now
	first.UpdatedAt = now
	require.NoError(t, s.UpdateExecution(ctx, first))

	require.NoError(t, s.CreateExecution(ctx, newExecution("task-1", "squad-1")))
}

func TestExecution_UpdateAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	exec := newExecution("task-1", "squad-1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	exec.Status = "in_progress"
	exec.WorkflowState = "implementation"
	exec.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
	assert.Equal(t, "implementation", got.WorkflowState)

	execs, err := s.ListExecutionsBySquad(ctx, "squad-1", 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, exec.ID, execs[0].ID)
}

func TestExecution_UpdateMissing(t *testing.T) {
	s := newTestStore(t)

	exec := newExecution("task-1", "squad-1")
	err := s.UpdateExecution(t.Context(), exec)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionLogs_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	exec := newExecution("task-1", "squad-1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	base := time.Now().UTC()
	for i, status := range []string{"pending", "analyzing", "planning"} {
		require.NoError(t, s.AppendExecutionLog(ctx, &ExecutionLog{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			Status:      status,
			Message:     "transition",
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	logs, err := s.ListExecutionLogs(ctx, exec.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "pending", logs[0].Status)
	assert.Equal(t, "planning", logs[2].Status)
}

func TestMessages_SaveAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	recipient := "agent-tl"
	recipientRole := identity.RoleTechLead
	convID := uuid.NewString()

	msg := &AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    "exec-1",
		SenderID:       "agent-be",
		SenderRole:     identity.RoleBackendDeveloper,
		RecipientID:    &recipient,
		RecipientRole:  &recipientRole,
		Type:           MessageTypeQuestion,
		Visibility:     event.VisibilityInternal,
		Content:        "which auth scheme?",
		ConversationID: &convID,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleBackendDeveloper, got.SenderRole)
	require.NotNil(t, got.RecipientRole)
	assert.Equal(t, identity.RoleTechLead, *got.RecipientRole)
	assert.Equal(t, event.VisibilityInternal, got.Visibility)
	assert.False(t, got.Broadcast())

	byExec, err := s.ListMessagesByExecution(ctx, "exec-1", 10)
	require.NoError(t, err)
	require.Len(t, byExec, 1)

	byConv, err := s.ListMessagesByConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, byConv, 1)
	assert.Equal(t, msg.ID, byConv[0].ID)
}

func TestMessages_BroadcastHasNoRecipient(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	msg := &AgentMessage{
		ID:          uuid.NewString(),
		ExecutionID: "exec-1",
		SenderID:    "agent-pm",
		SenderRole:  identity.RoleProjectManager,
		Type:        MessageTypeStandup,
		Visibility:  event.VisibilityPublic,
		Content:     "standup time",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Broadcast())
	assert.Nil(t, got.RecipientID)
	assert.Nil(t, got.RecipientRole)
}

func TestThreads_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	recipient := "agent-tl"
	now := time.Now().UTC()
	thread := &ConversationThread{
		ID:             uuid.NewString(),
		ExecutionID:    "exec-1",
		InitiatorID:    "agent-be",
		RecipientID:    &recipient,
		ParticipantIDs: []string{"agent-be", "agent-tl"},
		State:          "initiated",
		OpenedAt:       now,
		LastActivityAt: now,
	}
	require.NoError(t, s.CreateThread(ctx, thread))

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "initiated", got.State)
	assert.Equal(t, []string{"agent-be", "agent-tl"}, got.ParticipantIDs)
	assert.EqualValues(t, 0, got.Version)
	assert.Nil(t, got.TimeoutAt)
}

func TestThreads_TransitionCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	now := time.Now().UTC()
	thread := &ConversationThread{
		ID:             uuid.NewString(),
		ExecutionID:    "exec-1",
		InitiatorID:    "agent-be",
		State:          "initiated",
		OpenedAt:       now,
		LastActivityAt: now,
	}
	require.NoError(t, s.CreateThread(ctx, thread))

	deadline := now.Add(2 * time.Minute)
	ok, err := s.TransitionThread(ctx, thread.ID, "initiated", 0, "waiting", &deadline)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second writer holding the stale (state, version) pair loses cleanly.
	ok, err = s.TransitionThread(ctx, thread.ID, "initiated", 0, "waiting", &deadline)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "waiting", got.State)
	assert.EqualValues(t, 1, got.Version)
	require.NotNil(t, got.TimeoutAt)
}

func TestThreads_DueThreads(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	now := time.Now().UTC()
	overdue := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mkThread := func(state string, timeoutAt *time.Time) string {
		id := uuid.NewString()
		require.NoError(t, s.CreateThread(ctx, &ConversationThread{
			ID:             id,
			ExecutionID:    "exec-1",
			InitiatorID:    "agent-be",
			State:          state,
			OpenedAt:       now,
			LastActivityAt: now,
			TimeoutAt:      timeoutAt,
		}))
		return id
	}

	dueID := mkThread("waiting", &overdue)
	mkThread("waiting", &future)
	mkThread("answered", &overdue)
	mkThread("escalated", nil)

	due, err := s.DueThreads(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueID, due[0].ID)
}

func TestThreads_DueThreadsSubSecondDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	// A deadline with a short fraction must compare as overdue against a now
	// with a longer one; trimmed fractions would misorder as text
	// (".5Z" sorts after ".52Z").
	deadline := time.Date(2026, 8, 25, 12, 0, 0, 500_000_000, time.UTC)
	now := deadline.Add(20 * time.Millisecond)

	thread := &ConversationThread{
		ID:             uuid.NewString(),
		ExecutionID:    "exec-1",
		InitiatorID:    "agent-be",
		State:          "waiting",
		OpenedAt:       deadline,
		LastActivityAt: deadline,
		TimeoutAt:      &deadline,
	}
	require.NoError(t, s.CreateThread(ctx, thread))

	due, err := s.DueThreads(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, thread.ID, due[0].ID)
	require.NotNil(t, due[0].TimeoutAt)
	assert.True(t, due[0].TimeoutAt.Equal(deadline))
}

func TestThreads_MessageOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	threadID := uuid.NewString()
	require.NoError(t, s.AppendThreadMessage(ctx, threadID, "msg-1"))
	require.NoError(t, s.AppendThreadMessage(ctx, threadID, "msg-2"))
	require.NoError(t, s.AppendThreadMessage(ctx, threadID, "msg-3"))

	ids, err := s.ListThreadMessageIDs(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-3"}, ids)
}

func TestEnvelopes_SeqIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	var last int64
	for range 5 {
		env := &event.Envelope{
			ID:          uuid.NewString(),
			Type:        event.TypeStatusUpdate,
			ExecutionID: "exec-1",
			SquadID:     "squad-1",
			Visibility:  event.VisibilityInternal,
			Timestamp:   time.Now().UTC(),
		}
		require.NoError(t, s.AppendEnvelope(ctx, env))
		assert.Greater(t, env.Seq, last)
		last = env.Seq
	}
}

func TestEnvelopes_SinceFiltersScope(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	appendEnv := func(executionID, squadID string) *event.Envelope {
		env := &event.Envelope{
			ID:          uuid.NewString(),
			Type:        event.TypeMessage,
			ExecutionID: executionID,
			SquadID:     squadID,
			Visibility:  event.VisibilityPublic,
			Timestamp:   time.Now().UTC(),
		}
		require.NoError(t, s.AppendEnvelope(ctx, env))
		return env
	}

	e1 := appendEnv("exec-1", "squad-1")
	appendEnv("exec-2", "squad-1")
	appendEnv("exec-3", "squad-2")

	// Execution scope sees only its own envelope.
	envs, err := s.EnvelopesSince(ctx, event.ExecutionScope("exec-1"), 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, e1.ID, envs[0].ID)

	// Squad scope covers both of its executions, in seq order.
	envs, err = s.EnvelopesSince(ctx, event.SquadScope("squad-1"), 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Less(t, envs[0].Seq, envs[1].Seq)

	// A cursor after the first envelope skips it.
	envs, err = s.EnvelopesSince(ctx, event.SquadScope("squad-1"), e1.Seq, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
}

func TestMembers_RoleLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	now := time.Now().UTC()
	members := []*identity.Member{
		{SquadID: "squad-1", AgentID: "agent-pm", Role: identity.RoleProjectManager, CreatedAt: now},
		{SquadID: "squad-1", AgentID: "agent-be", Role: identity.RoleBackendDeveloper, CreatedAt: now},
	}
	for _, m := range members {
		require.NoError(t, s.AddSquadMember(ctx, m))
	}

	role, err := s.RoleOf(ctx, "agent-pm")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleProjectManager, role)

	_, err = s.RoleOf(ctx, "ghost")
	assert.ErrorIs(t, err, identity.ErrUnknownAgent)

	pm, err := s.FindByRole(ctx, "squad-1", identity.RoleProjectManager)
	require.NoError(t, err)
	assert.Equal(t, "agent-pm", pm.AgentID)

	_, err = s.FindByRole(ctx, "squad-1", identity.RoleQAEngineer)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.IsMember(ctx, "squad-1", "agent-be")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsMember(ctx, "squad-2", "agent-be")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.SquadMembers(ctx, "squad-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMembers_InvalidRoleRejected(t *testing.T) {
	s := newTestStore(t)

	err := s.AddSquadMember(t.Context(), &identity.Member{
		SquadID:   "squad-1",
		AgentID:   "agent-x",
		Role:      "intern",
		CreatedAt: time.Now().UTC(),
	})
	assert.Error(t, err)
}

func TestMembers_RemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.AddSquadMember(ctx, &identity.Member{
		SquadID: "squad-1", AgentID: "agent-x", Role: identity.RoleQAEngineer, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.RemoveSquadMember(ctx, "squad-1", "agent-x"))
	require.NoError(t, s.RemoveSquadMember(ctx, "squad-1", "agent-x"))

	ok, err := s.IsMember(ctx, "squad-1", "agent-x")
	require.NoError(t, err)
	assert.False(t, ok)
}
