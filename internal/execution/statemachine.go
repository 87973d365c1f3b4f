// ABOUTME: Task execution state machine with per-execution serialization
// ABOUTME: Persists every transition before emitting events; emit failures never roll back

package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/store"
)

// ExecutionStore is the slice of the store the state machine needs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *store.TaskExecution) error
	GetExecution(ctx context.Context, id string) (*store.TaskExecution, error)
	UpdateExecution(ctx context.Context, exec *store.TaskExecution) error
	AppendExecutionLog(ctx context.Context, entry *store.ExecutionLog) error
}

// Emitter puts coordinator events on an execution's streams. Implemented by
// the message router.
type Emitter interface {
	System(ctx context.Context, executionID, squadID string, typ event.Type, payload any) error
}

// StateMachine owns the execution lifecycle. All operations on one execution
// are serialized by a per-execution lock, so a racing complete and error
// resolve in order rather than losing an update.
type StateMachine struct {
	store   ExecutionStore
	emitter Emitter
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStateMachine creates a state machine over the given store and emitter.
func NewStateMachine(st ExecutionStore, emitter Emitter, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		store:   st,
		emitter: emitter,
		logger:  logger.With("component", "statemachine"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing operations on one execution. Lock
// entries are never reclaimed; executions are finite per process lifetime.
func (sm *StateMachine) lockFor(executionID string) *sync.Mutex {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	l, ok := sm.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		sm.locks[executionID] = l
	}
	return l
}

// Start creates a new execution in pending and emits execution_started.
// Returns store.ErrDuplicateExecution if the task already has an active
// execution.
func (sm *StateMachine) Start(ctx context.Context, taskID, squadID string) (*store.TaskExecution, error) {
	now := time.Now().UTC()
	exec := &store.TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SquadID:   squadID,
		Status:    string(StatusPending),
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := sm.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	sm.logger.Info("execution started",
		"execution_id", exec.ID,
		"task_id", taskID,
		"squad_id", squadID,
	)

	sm.emit(ctx, exec, event.TypeExecutionStarted, map[string]any{
		"execution_id": exec.ID,
		"task_id":      taskID,
		"status":       StatusPending,
	})
	return exec, nil
}

// Transition validates the edge against the adjacency table. On success the
// new status is persisted, an immutable log entry appended, and status_update
// plus progress events emitted. On an illegal edge it returns
// *InvalidTransitionError with no mutation.
func (sm *StateMachine) Transition(ctx context.Context, executionID string, to Status, logMessage string) error {
	l := sm.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	exec, err := sm.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	from := Status(exec.Status)
	if !CanTransition(from, to) {
		return &InvalidTransitionError{ExecutionID: executionID, From: from, To: to}
	}

	now := time.Now().UTC()
	exec.Status = string(to)
	exec.UpdatedAt = now
	if to.Terminal() {
		exec.CompletedAt = &now
	}
	if err := sm.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("persisting transition: %w", err)
	}

	sm.appendLog(ctx, executionID, to, logMessage)

	sm.emit(ctx, exec, event.TypeStatusUpdate, map[string]any{
		"execution_id": executionID,
		"from":         from,
		"to":           to,
		"message":      logMessage,
	})
	sm.emit(ctx, exec, event.TypeProgress, map[string]any{
		"execution_id": executionID,
		"status":       to,
		"percentage":   Progress(to),
	})
	if to.Terminal() {
		sm.emitTerminal(ctx, exec, to)
	}
	return nil
}

// Complete finishes an execution with a result. Requires the current status
// to be in_progress, reviewing, or testing.
func (sm *StateMachine) Complete(ctx context.Context, executionID, result string) error {
	l := sm.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	exec, err := sm.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	from := Status(exec.Status)
	switch from {
	case StatusInProgress, StatusReviewing, StatusTesting:
	default:
		return &InvalidTransitionError{ExecutionID: executionID, From: from, To: StatusCompleted}
	}

	now := time.Now().UTC()
	exec.Status = string(StatusCompleted)
	exec.CompletedAt = &now
	exec.Result = &result
	exec.UpdatedAt = now
	if err := sm.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("persisting completion: %w", err)
	}

	duration := now.Sub(exec.StartedAt)
	sm.appendLog(ctx, executionID, StatusCompleted, "completed")
	sm.logger.Info("execution completed",
		"execution_id", executionID,
		"duration", duration,
	)

	sm.emit(ctx, exec, event.TypeCompleted, map[string]any{
		"execution_id":     executionID,
		"result":           result,
		"duration_seconds": duration.Seconds(),
	})
	sm.emitTerminal(ctx, exec, StatusCompleted)
	return nil
}

// Error fails an execution. Allowed from any non-terminal status.
func (sm *StateMachine) Error(ctx context.Context, executionID, errMsg string, metadata map[string]any) error {
	l := sm.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	exec, err := sm.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	from := Status(exec.Status)
	if from.Terminal() {
		return &InvalidTransitionError{ExecutionID: executionID, From: from, To: StatusFailed}
	}

	now := time.Now().UTC()
	exec.Status = string(StatusFailed)
	exec.CompletedAt = &now
	exec.Error = &errMsg
	if len(metadata) > 0 {
		if exec.Metadata == nil {
			exec.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			exec.Metadata[k] = v
		}
	}
	exec.UpdatedAt = now
	if err := sm.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("persisting failure: %w", err)
	}

	sm.appendLog(ctx, executionID, StatusFailed, errMsg)
	sm.logger.Warn("execution failed", "execution_id", executionID, "error", errMsg)

	sm.emit(ctx, exec, event.TypeError, map[string]any{
		"execution_id": executionID,
		"error":        errMsg,
	})
	sm.emitTerminal(ctx, exec, StatusFailed)
	return nil
}

// Cancel cancels an execution with a reason. Allowed from any non-terminal
// status.
func (sm *StateMachine) Cancel(ctx context.Context, executionID, reason string) error {
	l := sm.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	exec, err := sm.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	from := Status(exec.Status)
	if from.Terminal() {
		return &InvalidTransitionError{ExecutionID: executionID, From: from, To: StatusCancelled}
	}

	now := time.Now().UTC()
	exec.Status = string(StatusCancelled)
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if err := sm.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("persisting cancellation: %w", err)
	}

	sm.appendLog(ctx, executionID, StatusCancelled, reason)
	sm.logger.Info("execution cancelled", "execution_id", executionID, "reason", reason)

	sm.emit(ctx, exec, event.TypeStatusUpdate, map[string]any{
		"execution_id": executionID,
		"from":         from,
		"to":           StatusCancelled,
		"message":      reason,
	})
	sm.emitTerminal(ctx, exec, StatusCancelled)
	return nil
}

// Log appends a free-form log entry and emits a log event without changing
// status.
func (sm *StateMachine) Log(ctx context.Context, executionID, message string) error {
	exec, err := sm.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	sm.appendLog(ctx, executionID, Status(exec.Status), message)
	sm.emit(ctx, exec, event.TypeLog, map[string]any{
		"execution_id": executionID,
		"message":      message,
	})
	return nil
}

// SetWorkflowState updates the free-text sub-phase label without a status
// transition.
func (sm *StateMachine) SetWorkflowState(ctx context.Context, executionID, workflowState string) error {
	l := sm.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	exec, err := sm.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	exec.WorkflowState = workflowState
	exec.UpdatedAt = time.Now().UTC()
	return sm.store.UpdateExecution(ctx, exec)
}

// appendLog records a transition log entry. Log failures are logged, not
// propagated: the status of record is already persisted.
func (sm *StateMachine) appendLog(ctx context.Context, executionID string, status Status, message string) {
	err := sm.store.AppendExecutionLog(ctx, &store.ExecutionLog{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Status:      string(status),
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		sm.logger.Warn("appending execution log", "execution_id", executionID, "error", err)
	}
}

// emit puts a coordinator event on the execution's streams. Emit failures
// never roll back a persisted transition.
func (sm *StateMachine) emit(ctx context.Context, exec *store.TaskExecution, typ event.Type, payload map[string]any) {
	if err := sm.emitter.System(ctx, exec.ID, exec.SquadID, typ, payload); err != nil {
		sm.logger.Warn("emitting event",
			"execution_id", exec.ID,
			"type", typ,
			"error", err,
		)
	}
}

func (sm *StateMachine) emitTerminal(ctx context.Context, exec *store.TaskExecution, final Status) {
	sm.emit(ctx, exec, event.TypeExecutionCompleted, map[string]any{
		"execution_id": exec.ID,
		"final_status": final,
	})
}
