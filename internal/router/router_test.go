// ABOUTME: Tests for message routing, visibility classification, and degraded delivery
// ABOUTME: Uses in-memory fakes for the store, identity provider, and broadcaster

package router

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadops/squadhub/internal/agent"
	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/identity"
	"github.com/squadops/squadhub/internal/store"
)

type fakeStore struct {
	messages  []*store.AgentMessage
	envelopes []*event.Envelope
	execs     map[string]*store.TaskExecution
	saveErr   error
}

func (f *fakeStore) SaveMessage(_ context.Context, msg *store.AgentMessage) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) GetExecution(_ context.Context, id string) (*store.TaskExecution, error) {
	exec, ok := f.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return exec, nil
}

func (f *fakeStore) AppendEnvelope(_ context.Context, env *event.Envelope) error {
	env.Seq = int64(len(f.envelopes) + 1)
	f.envelopes = append(f.envelopes, env)
	return nil
}

type fakeProvider struct {
	roles   map[string]identity.Role
	members map[string][]*identity.Member
}

func (f *fakeProvider) RoleOf(_ context.Context, agentID string) (identity.Role, error) {
	role, ok := f.roles[agentID]
	if !ok {
		return "", identity.ErrUnknownAgent
	}
	return role, nil
}

func (f *fakeProvider) SquadMembers(_ context.Context, squadID string) ([]*identity.Member, error) {
	return f.members[squadID], nil
}

func (f *fakeProvider) FindByRole(_ context.Context, squadID string, role identity.Role) (*identity.Member, error) {
	for _, m := range f.members[squadID] {
		if m.Role == role {
			return m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeProvider) IsMember(_ context.Context, squadID, agentID string) (bool, error) {
	for _, m := range f.members[squadID] {
		if m.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

type fakeHub struct {
	broadcasts []*event.Envelope
}

func (f *fakeHub) Broadcast(env *event.Envelope) {
	f.broadcasts = append(f.broadcasts, env)
}

type stubAgent struct {
	id         string
	role       identity.Role
	delivered  []*store.AgentMessage
	deliverErr error
}

func (a *stubAgent) ID() string          { return a.id }
func (a *stubAgent) Role() identity.Role { return a.role }
func (a *stubAgent) Deliver(_ context.Context, msg *store.AgentMessage) error {
	if a.deliverErr != nil {
		return a.deliverErr
	}
	a.delivered = append(a.delivered, msg)
	return nil
}

type routerFixture struct {
	router   *Router
	store    *fakeStore
	hub      *fakeHub
	registry *agent.Registry
	provider *fakeProvider
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()

	st := &fakeStore{
		execs: map[string]*store.TaskExecution{
			"exec-1": {ID: "exec-1", TaskID: "task-1", SquadID: "squad-1"},
		},
	}
	provider := &fakeProvider{
		roles: map[string]identity.Role{
			"agent-pm": identity.RoleProjectManager,
			"agent-tl": identity.RoleTechLead,
			"agent-be": identity.RoleBackendDeveloper,
			"agent-fe": identity.RoleFrontendDeveloper,
			"agent-qa": identity.RoleQAEngineer,
		},
		members: map[string][]*identity.Member{
			"squad-1": {
				{SquadID: "squad-1", AgentID: "agent-pm", Role: identity.RoleProjectManager},
				{SquadID: "squad-1", AgentID: "agent-be", Role: identity.RoleBackendDeveloper},
				{SquadID: "squad-1", AgentID: "agent-fe", Role: identity.RoleFrontendDeveloper},
			},
		},
	}
	hub := &fakeHub{}
	registry := agent.NewRegistry(slog.New(slog.DiscardHandler))

	return &routerFixture{
		router:   New(st, provider, registry, hub, slog.New(slog.DiscardHandler)),
		store:    st,
		hub:      hub,
		registry: registry,
		provider: provider,
	}
}

func directMsg(sender, recipient string) *store.AgentMessage {
	return &store.AgentMessage{
		ExecutionID: "exec-1",
		SenderID:    sender,
		RecipientID: &recipient,
		Type:        store.MessageTypeQuestion,
		Content:     "what is the plan?",
	}
}

func TestSend_PersistsBeforeBroadcast(t *testing.T) {
	f := newFixture(t)

	msg := directMsg("agent-be", "agent-tl")
	require.NoError(t, f.router.Send(t.Context(), msg))

	require.Len(t, f.store.messages, 1)
	require.Len(t, f.store.envelopes, 1)
	require.Len(t, f.hub.broadcasts, 1)

	env := f.hub.broadcasts[0]
	assert.Equal(t, event.TypeMessage, env.Type)
	assert.Equal(t, "exec-1", env.ExecutionID)
	assert.Equal(t, "squad-1", env.SquadID)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestSend_PersistFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.store.saveErr = errors.New("disk full")

	err := f.router.Send(t.Context(), directMsg("agent-be", "agent-tl"))
	require.Error(t, err)
	assert.Empty(t, f.store.envelopes)
	assert.Empty(t, f.hub.broadcasts)
}

func TestSend_UnknownExecutionRejected(t *testing.T) {
	f := newFixture(t)

	msg := directMsg("agent-be", "agent-tl")
	msg.ExecutionID = "exec-ghost"
	err := f.router.Send(t.Context(), msg)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.store.messages)
}

func TestSend_UnknownSenderRejected(t *testing.T) {
	f := newFixture(t)

	err := f.router.Send(t.Context(), directMsg("ghost", "agent-tl"))
	assert.ErrorIs(t, err, identity.ErrUnknownAgent)
	assert.Empty(t, f.store.messages)
}

func TestSend_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	msg := directMsg("agent-be", "agent-tl")
	msg.ExecutionID = ""
	assert.Error(t, f.router.Send(ctx, msg))

	msg = directMsg("", "agent-tl")
	assert.Error(t, f.router.Send(ctx, msg))

	msg = directMsg("agent-be", "agent-tl")
	msg.Content = ""
	assert.Error(t, f.router.Send(ctx, msg))
}

func TestSend_DirectDelivery(t *testing.T) {
	f := newFixture(t)
	tl := &stubAgent{id: "agent-tl", role: identity.RoleTechLead}
	require.NoError(t, f.registry.Register(tl))

	require.NoError(t, f.router.Send(t.Context(), directMsg("agent-be", "agent-tl")))
	require.Len(t, tl.delivered, 1)
	assert.Equal(t, "agent-be", tl.delivered[0].SenderID)
}

func TestSend_OfflineRecipientStillPersisted(t *testing.T) {
	f := newFixture(t)

	// Recipient not registered: message persists and the ledger advances, no
	// delivery error.
	require.NoError(t, f.router.Send(t.Context(), directMsg("agent-be", "agent-tl")))
	assert.Len(t, f.store.messages, 1)
	assert.Len(t, f.store.envelopes, 1)
}

func TestSend_DeliveryFailureIsDegradedNotFatal(t *testing.T) {
	f := newFixture(t)
	tl := &stubAgent{id: "agent-tl", role: identity.RoleTechLead, deliverErr: errors.New("inbox wedged")}
	require.NoError(t, f.registry.Register(tl))

	msg := directMsg("agent-be", "agent-tl")
	err := f.router.Send(t.Context(), msg)

	var degraded *DeliveryDegradedError
	require.ErrorAs(t, err, &degraded)
	assert.Equal(t, msg.ID, degraded.MessageID)
	assert.Equal(t, []string{"agent-tl"}, degraded.Failures)

	// The message and envelope are still durable.
	assert.Len(t, f.store.messages, 1)
	assert.Len(t, f.store.envelopes, 1)
	assert.Len(t, f.hub.broadcasts, 1)
}

func TestSend_BroadcastSkipsSenderAndOffline(t *testing.T) {
	f := newFixture(t)
	pm := &stubAgent{id: "agent-pm", role: identity.RoleProjectManager}
	be := &stubAgent{id: "agent-be", role: identity.RoleBackendDeveloper}
	require.NoError(t, f.registry.Register(pm))
	require.NoError(t, f.registry.Register(be))
	// agent-fe is a squad member but not registered.

	msg := &store.AgentMessage{
		ExecutionID: "exec-1",
		SenderID:    "agent-be",
		Type:        store.MessageTypeStandup,
		Content:     "daily standup",
	}
	require.NoError(t, f.router.Send(t.Context(), msg))

	require.Len(t, pm.delivered, 1)
	assert.Empty(t, be.delivered, "sender must not receive its own broadcast")
}

func TestSend_OneFailedRecipientDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	pm := &stubAgent{id: "agent-pm", role: identity.RoleProjectManager, deliverErr: errors.New("wedged")}
	fe := &stubAgent{id: "agent-fe", role: identity.RoleFrontendDeveloper}
	require.NoError(t, f.registry.Register(pm))
	require.NoError(t, f.registry.Register(fe))

	msg := &store.AgentMessage{
		ExecutionID: "exec-1",
		SenderID:    "agent-be",
		Type:        store.MessageTypeStandup,
		Content:     "daily standup",
	}
	err := f.router.Send(t.Context(), msg)

	var degraded *DeliveryDegradedError
	require.ErrorAs(t, err, &degraded)
	assert.Equal(t, []string{"agent-pm"}, degraded.Failures)
	assert.Len(t, fe.delivered, 1, "healthy recipients still receive the broadcast")
}

func TestClassify(t *testing.T) {
	role := func(r identity.Role) *identity.Role { return &r }

	tests := []struct {
		name      string
		sender    identity.Role
		recipient *identity.Role
		want      event.Visibility
	}{
		{"pm to developer", identity.RoleProjectManager, role(identity.RoleBackendDeveloper), event.VisibilityPublic},
		{"developer to pm", identity.RoleBackendDeveloper, role(identity.RoleProjectManager), event.VisibilityPublic},
		{"tech lead to developer", identity.RoleTechLead, role(identity.RoleBackendDeveloper), event.VisibilityPublic},
		{"developer to tech lead", identity.RoleBackendDeveloper, role(identity.RoleTechLead), event.VisibilityPublic},
		{"developer to developer", identity.RoleBackendDeveloper, role(identity.RoleFrontendDeveloper), event.VisibilityInternal},
		{"qa to developer", identity.RoleQAEngineer, role(identity.RoleBackendDeveloper), event.VisibilityInternal},
		{"pm broadcast", identity.RoleProjectManager, nil, event.VisibilityPublic},
		{"developer broadcast", identity.RoleBackendDeveloper, nil, event.VisibilityInternal},
		{"pm to pm", identity.RoleProjectManager, role(identity.RoleProjectManager), event.VisibilityPublic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sender, tt.recipient))
		})
	}
}

func TestSend_PresetVisibilityKept(t *testing.T) {
	f := newFixture(t)

	msg := directMsg("agent-be", "agent-tl")
	msg.Visibility = event.VisibilitySystem
	require.NoError(t, f.router.Send(t.Context(), msg))

	assert.Equal(t, event.VisibilitySystem, f.store.messages[0].Visibility)
}

func TestSystem_EmitsSystemEnvelope(t *testing.T) {
	f := newFixture(t)

	err := f.router.System(t.Context(), "exec-1", "squad-1", event.TypeError,
		map[string]string{"reason": "no project manager available"})
	require.NoError(t, err)

	require.Len(t, f.store.envelopes, 1)
	env := f.store.envelopes[0]
	assert.Equal(t, event.TypeError, env.Type)
	assert.Equal(t, event.VisibilitySystem, env.Visibility)
	require.Len(t, f.hub.broadcasts, 1)
}
