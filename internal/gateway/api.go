// ABOUTME: REST handlers for executions, messages, conversations, and squad membership
// ABOUTME: Maps component errors onto HTTP status codes and filters reads by caller visibility

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/squadops/squadhub/internal/auth"
	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/execution"
	"github.com/squadops/squadhub/internal/identity"
	"github.com/squadops/squadhub/internal/router"
	"github.com/squadops/squadhub/internal/store"
)

// StartExecutionRequest is the JSON request body for POST /api/executions.
type StartExecutionRequest struct {
	TaskID  string `json:"task_id"`
	SquadID string `json:"squad_id"`
}

// TransitionRequest is the JSON request body for POST /api/executions/{id}/transition.
type TransitionRequest struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CompleteRequest is the JSON request body for POST /api/executions/{id}/complete.
type CompleteRequest struct {
	Result string `json:"result"`
}

// ErrorRequest is the JSON request body for POST /api/executions/{id}/error.
type ErrorRequest struct {
	Error    string         `json:"error"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CancelRequest is the JSON request body for POST /api/executions/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// LogRequest is the JSON request body for POST /api/executions/{id}/log.
type LogRequest struct {
	Message string `json:"message"`
}

// ExecutionResponse is the JSON shape of a task execution.
type ExecutionResponse struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	SquadID       string         `json:"squad_id"`
	Status        string         `json:"status"`
	WorkflowState string         `json:"workflow_state,omitempty"`
	Progress      int            `json:"progress"`
	StartedAt     string         `json:"started_at"`
	CompletedAt   *string        `json:"completed_at,omitempty"`
	Error         *string        `json:"error,omitempty"`
	Result        *string        `json:"result,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// ExecutionLogResponse is one execution log entry.
type ExecutionLogResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ExecutionID     string         `json:"execution_id"`
	SenderID        string         `json:"sender_id,omitempty"`
	RecipientID     *string        `json:"recipient_id,omitempty"`
	Type            string         `json:"type"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID *string        `json:"parent_message_id,omitempty"`
}

// SendMessageResponse is the JSON response for POST /api/messages. Degraded
// lists recipients whose live delivery failed; the message is durable either
// way.
type SendMessageResponse struct {
	MessageID string   `json:"message_id"`
	Degraded  []string `json:"degraded,omitempty"`
}

// MessageResponse is the JSON shape of a routed message.
type MessageResponse struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	SenderID        string         `json:"sender_id"`
	SenderRole      string         `json:"sender_role"`
	RecipientID     *string        `json:"recipient_id,omitempty"`
	RecipientRole   *string        `json:"recipient_role,omitempty"`
	Type            string         `json:"type"`
	Visibility      string         `json:"visibility"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ConversationID  *string        `json:"conversation_id,omitempty"`
	ParentMessageID *string        `json:"parent_message_id,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// OpenConversationRequest is the JSON request body for POST /api/conversations.
type OpenConversationRequest struct {
	ExecutionID string  `json:"execution_id"`
	InitiatorID string  `json:"initiator_id"`
	RecipientID *string `json:"recipient_id,omitempty"`
	Content     string  `json:"content"`
}

// ReplyRequest is the JSON request body for POST /api/conversations/{id}/reply.
type ReplyRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	Type     string `json:"type,omitempty"`
}

// ThreadResponse is the JSON shape of a conversation thread.
type ThreadResponse struct {
	ID             string   `json:"id"`
	ExecutionID    string   `json:"execution_id"`
	InitiatorID    string   `json:"initiator_id"`
	RecipientID    *string  `json:"recipient_id,omitempty"`
	ParticipantIDs []string `json:"participant_ids"`
	State          string   `json:"state"`
	OpenedAt       string   `json:"opened_at"`
	LastActivityAt string   `json:"last_activity_at"`
	TimeoutAt      *string  `json:"timeout_at,omitempty"`
}

// ConversationResponse is the thread plus its messages, in thread order.
type ConversationResponse struct {
	Thread   ThreadResponse    `json:"thread"`
	Messages []MessageResponse `json:"messages"`
}

// AddMemberRequest is the JSON request body for POST /api/squads/{squad}/members.
type AddMemberRequest struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

// MemberResponse is one squad membership record.
type MemberResponse struct {
	SquadID   string `json:"squad_id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"`
	Online    bool   `json:"online"`
	CreatedAt string `json:"created_at"`
}

func (g *Gateway) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskID == "" || req.SquadID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "task_id and squad_id are required")
		return
	}

	exec, err := g.machine.Start(r.Context(), req.TaskID, req.SquadID)
	if errors.Is(err, store.ErrDuplicateExecution) {
		g.sendJSONError(w, http.StatusConflict, "task already has an active execution")
		return
	}
	if err != nil {
		g.logger.Error("failed to start execution", "error", err, "task_id", req.TaskID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, executionResponse(exec))
}

func (g *Gateway) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := g.store.GetExecution(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get execution", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, executionResponse(exec))
}

func (g *Gateway) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	to := execution.Status(req.Status)
	if !validStatus(to) {
		g.sendJSONError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}

	err := g.machine.Transition(r.Context(), r.PathValue("id"), to, req.Message)
	g.writeTransitionResult(w, err)
}

func (g *Gateway) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := g.machine.Complete(r.Context(), r.PathValue("id"), req.Result)
	g.writeTransitionResult(w, err)
}

func (g *Gateway) handleError(w http.ResponseWriter, r *http.Request) {
	var req ErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Error == "" {
		g.sendJSONError(w, http.StatusBadRequest, "error is required")
		return
	}
	err := g.machine.Error(r.Context(), r.PathValue("id"), req.Error, req.Metadata)
	g.writeTransitionResult(w, err)
}

func (g *Gateway) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := g.machine.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	g.writeTransitionResult(w, err)
}

func (g *Gateway) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}
	err := g.machine.Log(r.Context(), r.PathValue("id"), req.Message)
	g.writeTransitionResult(w, err)
}

// writeTransitionResult maps state machine errors onto HTTP statuses: an
// illegal edge is a conflict, a missing execution a 404.
func (g *Gateway) writeTransitionResult(w http.ResponseWriter, err error) {
	var invalid *execution.InvalidTransitionError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &invalid):
		g.sendJSONError(w, http.StatusConflict, invalid.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "execution not found")
	default:
		g.logger.Error("execution update failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) handleListExecutionLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	logs, err := g.store.ListExecutionLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.logger.Error("failed to list execution logs", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ExecutionLogResponse, len(logs))
	for i, entry := range logs {
		response[i] = ExecutionLogResponse{
			ID:        entry.ID,
			Status:    entry.Status,
			Message:   entry.Message,
			CreatedAt: entry.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	g.sendJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleListExecutionMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	messages, err := g.store.ListMessagesByExecution(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.logger.Error("failed to list messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, g.visibleMessages(r, messages))
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	senderID := req.SenderID
	if senderID == "" {
		if authCtx := auth.FromContext(r.Context()); authCtx != nil {
			senderID = authCtx.Subject
		}
	}

	msg := &store.AgentMessage{
		ExecutionID:     req.ExecutionID,
		SenderID:        senderID,
		RecipientID:     req.RecipientID,
		Type:            store.MessageType(req.Type),
		Content:         req.Content,
		Metadata:        req.Metadata,
		ParentMessageID: req.ParentMessageID,
	}

	err := g.router.Send(r.Context(), msg)
	var degraded *router.DeliveryDegradedError
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusCreated, SendMessageResponse{MessageID: msg.ID})
	case errors.As(err, &degraded):
		// Persisted and on the ledger; only live delivery suffered.
		g.sendJSON(w, http.StatusCreated, SendMessageResponse{MessageID: degraded.MessageID, Degraded: degraded.Failures})
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, identity.ErrUnknownAgent):
		g.sendJSONError(w, http.StatusBadRequest, "sender has no squad membership")
	default:
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	}
}

func (g *Gateway) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := g.store.GetMessage(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if authCtx := auth.FromContext(r.Context()); authCtx != nil && !authCtx.CanSee(msg.Visibility) {
		g.sendJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	g.sendJSON(w, http.StatusOK, messageResponse(msg))
}

func (g *Gateway) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var req OpenConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ExecutionID == "" || req.InitiatorID == "" || req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "execution_id, initiator_id, and content are required")
		return
	}

	thread, err := g.conversations.Open(r.Context(), req.ExecutionID, req.InitiatorID, req.RecipientID, req.Content)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to open conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, threadResponse(thread))
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	thread, err := g.store.GetThread(r.Context(), threadID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	messages, err := g.store.ListMessagesByConversation(r.Context(), threadID)
	if err != nil {
		g.logger.Error("failed to list conversation messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, ConversationResponse{
		Thread:   threadResponse(thread),
		Messages: g.visibleMessages(r, messages),
	})
}

func (g *Gateway) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderID == "" || req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sender_id and content are required")
		return
	}

	threadID := r.PathValue("id")
	thread, err := g.store.GetThread(r.Context(), threadID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msg := &store.AgentMessage{
		ExecutionID: thread.ExecutionID,
		SenderID:    req.SenderID,
		Content:     req.Content,
		Type:        store.MessageType(req.Type),
	}
	if err := g.conversations.OnReply(r.Context(), threadID, msg); err != nil {
		g.logger.Error("failed to record reply", "error", err, "thread_id", threadID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, SendMessageResponse{MessageID: msg.ID})
}

func (g *Gateway) handleCancelConversation(w http.ResponseWriter, r *http.Request) {
	err := g.conversations.Cancel(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to cancel conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListSquadExecutions(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	executions, err := g.store.ListExecutionsBySquad(r.Context(), r.PathValue("squad"), limit)
	if err != nil {
		g.logger.Error("failed to list executions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ExecutionResponse, len(executions))
	for i, exec := range executions {
		response[i] = executionResponse(exec)
	}
	g.sendJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := g.store.SquadMembers(r.Context(), r.PathValue("squad"))
	if err != nil {
		g.logger.Error("failed to list members", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]MemberResponse, len(members))
	for i, m := range members {
		response[i] = MemberResponse{
			SquadID:   m.SquadID,
			AgentID:   m.AgentID,
			Role:      string(m.Role),
			Online:    g.registry.IsOnline(m.AgentID),
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	g.sendJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	role := identity.Role(req.Role)
	if !role.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "unknown role "+req.Role)
		return
	}

	member := &identity.Member{
		SquadID:   r.PathValue("squad"),
		AgentID:   req.AgentID,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.AddSquadMember(r.Context(), member); err != nil {
		g.logger.Error("failed to add member", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusCreated, MemberResponse{
		SquadID:   member.SquadID,
		AgentID:   member.AgentID,
		Role:      string(member.Role),
		Online:    g.registry.IsOnline(member.AgentID),
		CreatedAt: member.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (g *Gateway) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := g.store.RemoveSquadMember(r.Context(), r.PathValue("squad"), r.PathValue("agent")); err != nil {
		g.logger.Error("failed to remove member", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecutionEnvelopes serves the reconcile read: the durable event
// ledger for one execution, after an optional sequence cursor.
func (g *Gateway) handleExecutionEnvelopes(w http.ResponseWriter, r *http.Request) {
	g.serveEnvelopes(w, r, event.ExecutionScope(r.PathValue("id")))
}

// handleSquadEnvelopes is the squad-level reconcile read.
func (g *Gateway) handleSquadEnvelopes(w http.ResponseWriter, r *http.Request) {
	g.serveEnvelopes(w, r, event.SquadScope(r.PathValue("squad")))
}

func (g *Gateway) serveEnvelopes(w http.ResponseWriter, r *http.Request, scope event.Scope) {
	after, ok := g.parseAfter(w, r)
	if !ok {
		return
	}
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	envs, err := g.store.EnvelopesSince(r.Context(), scope, after, limit)
	if err != nil {
		g.logger.Error("failed to list envelopes", "error", err, "scope", scope.String())
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	authCtx := auth.FromContext(r.Context())
	visible := make([]*event.Envelope, 0, len(envs))
	for _, env := range envs {
		if authCtx != nil && !authCtx.CanSee(env.Visibility) {
			continue
		}
		visible = append(visible, env)
	}
	g.sendJSON(w, http.StatusOK, visible)
}

// visibleMessages filters a message list down to what the caller may see.
// Without auth middleware there is no caller identity and nothing is hidden.
func (g *Gateway) visibleMessages(r *http.Request, messages []*store.AgentMessage) []MessageResponse {
	authCtx := auth.FromContext(r.Context())
	response := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		if authCtx != nil && !authCtx.CanSee(msg.Visibility) {
			continue
		}
		response = append(response, messageResponse(msg))
	}
	return response
}

// parseLimit reads the optional ?limit query parameter. Zero means the store
// default. Reports false after writing an error response.
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

// parseAfter reads the optional ?after sequence cursor.
func (g *Gateway) parseAfter(w http.ResponseWriter, r *http.Request) (int64, bool) {
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return 0, true
	}
	after, err := strconv.ParseInt(afterStr, 10, 64)
	if err != nil || after < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return 0, false
	}
	return after, true
}

func validStatus(s execution.Status) bool {
	for _, known := range execution.Statuses {
		if s == known {
			return true
		}
	}
	return false
}

func executionResponse(exec *store.TaskExecution) ExecutionResponse {
	return ExecutionResponse{
		ID:            exec.ID,
		TaskID:        exec.TaskID,
		SquadID:       exec.SquadID,
		Status:        exec.Status,
		WorkflowState: exec.WorkflowState,
		Progress:      execution.Progress(execution.Status(exec.Status)),
		StartedAt:     exec.StartedAt.Format(time.RFC3339Nano),
		CompletedAt:   formatOptionalTime(exec.CompletedAt),
		Error:         exec.Error,
		Result:        exec.Result,
		Metadata:      exec.Metadata,
		CreatedAt:     exec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:     exec.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func messageResponse(msg *store.AgentMessage) MessageResponse {
	var recipientRole *string
	if msg.RecipientRole != nil {
		role := string(*msg.RecipientRole)
		recipientRole = &role
	}
	return MessageResponse{
		ID:              msg.ID,
		ExecutionID:     msg.ExecutionID,
		SenderID:        msg.SenderID,
		SenderRole:      string(msg.SenderRole),
		RecipientID:     msg.RecipientID,
		RecipientRole:   recipientRole,
		Type:            string(msg.Type),
		Visibility:      string(msg.Visibility),
		Content:         msg.Content,
		Metadata:        msg.Metadata,
		ConversationID:  msg.ConversationID,
		ParentMessageID: msg.ParentMessageID,
		CreatedAt:       msg.CreatedAt.Format(time.RFC3339Nano),
	}
}

func threadResponse(thread *store.ConversationThread) ThreadResponse {
	return ThreadResponse{
		ID:             thread.ID,
		ExecutionID:    thread.ExecutionID,
		InitiatorID:    thread.InitiatorID,
		RecipientID:    thread.RecipientID,
		ParticipantIDs: thread.ParticipantIDs,
		State:          thread.State,
		OpenedAt:       thread.OpenedAt.Format(time.RFC3339Nano),
		LastActivityAt: thread.LastActivityAt.Format(time.RFC3339Nano),
		TimeoutAt:      formatOptionalTime(thread.TimeoutAt),
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
