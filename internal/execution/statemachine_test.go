// ABOUTME: Tests for the execution state machine
// ABOUTME: Exercises the full adjacency table, escape hatches, and emit-after-persist ordering

package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	execs     map[string]*store.TaskExecution
	logs      []*store.ExecutionLog
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{execs: make(map[string]*store.TaskExecution)}
}

func (m *memStore) CreateExecution(_ context.Context, exec *store.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.TaskID == exec.TaskID && !Status(e.Status).Terminal() {
			return store.ErrDuplicateExecution
		}
	}
	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*store.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, exec *store.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.execs[exec.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

func (m *memStore) AppendExecutionLog(_ context.Context, entry *store.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) setStatus(id string, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[id].Status = string(s)
}

type memEmitter struct {
	mu     sync.Mutex
	events []event.Type
	err    error
}

func (e *memEmitter) System(_ context.Context, _, _ string, typ event.Type, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, typ)
	return e.err
}

func (e *memEmitter) count(typ event.Type) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.events {
		if t == typ {
			n++
		}
	}
	return n
}

func newMachine(t *testing.T) (*StateMachine, *memStore, *memEmitter) {
	t.Helper()
	st := newMemStore()
	em := &memEmitter{}
	return NewStateMachine(st, em, slog.New(slog.DiscardHandler)), st, em
}

func TestStart(t *testing.T) {
	sm, st, em := newMachine(t)

	exec, err := sm.Start(t.Context(), "task-1", "squad-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), exec.Status)
	assert.Equal(t, 1, em.count(event.TypeExecutionStarted))

	got, err := st.GetExecution(t.Context(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), got.Status)
}

func TestStart_DuplicateActive(t *testing.T) {
	sm, _, _ := newMachine(t)
	ctx := t.Context()

	_, err := sm.Start(ctx, "task-1", "squad-1")
	require.NoError(t, err)

	_, err = sm.Start(ctx, "task-1", "squad-1")
	assert.ErrorIs(t, err, store.ErrDuplicateExecution)
}

func TestTransition_FullAdjacencyTable(t *testing.T) {
	ctx := context.Background()

	for _, from := range Statuses {
		for _, to := range Statuses {
			legal := CanTransition(from, to)
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				sm, st, _ := newMachine(t)
				exec, err := sm.Start(ctx, "task-1", "squad-1")
				require.NoError(t, err)
				st.setStatus(exec.ID, from)

				err = sm.Transition(ctx, exec.ID, to, "edge check")
				got, gerr := st.GetExecution(ctx, exec.ID)
				require.NoError(t, gerr)

				if legal {
					require.NoError(t, err)
					assert.Equal(t, string(to), got.Status)
				} else {
					var invalid *InvalidTransitionError
					require.ErrorAs(t, err, &invalid)
					assert.Equal(t, from, invalid.From)
					assert.Equal(t, to, invalid.To)
					assert.Equal(t, string(from), got.Status, "illegal edge must not mutate")
				}
			})
		}
	}
}

func TestTransition_AppendsLogAndEmits(t *testing.T) {
	sm, st, em := newMachine(t)
	ctx := t.Context()

	exec, err := sm.Start(ctx, "task-1", "squad-1")
	require.NoError(t, err)

	require.NoError(t, sm.Transition(ctx, exec.ID, StatusAnalyzing, "starting analysis"))

	require.Len(t, st.logs, 1)
	assert.Equal(t, string(StatusAnalyzing), st.logs[0].Status)
	assert.Equal(t, 1, em.count(event.TypeStatusUpdate))
	assert.Equal(t, 1, em.count(event.TypeProgress))
}

func TestTransition_UnknownExecution(t *testing.T) {
	sm, _, _ := newMachine(t)
	err := sm.Transition(t.Context(), "ghost", StatusAnalyzing, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransition_PersistFailureSkipsEmit(t *testing.T) {
	sm, st, em := newMachine(t)
	ctx := t.Context()

	exec, err := sm.Start(ctx, "task-1", "squad-1")
	require.NoError(t, err)
	st.updateErr = errors.New("disk full")

	err = sm.Transition(ctx, exec.ID, StatusAnalyzing, "")
	require.Error(t, err)
	assert.Equal(t, 0, em.count(event.TypeStatusUpdate))
}

func TestComplete(t *testing.T) {
	for _, from := range []Status{StatusInProgress, StatusReviewing, StatusTesting} {
		t.Run(string(from), func(t *testing.T) {
			sm, st, em := newMachine(t)
			ctx := t.Context()

			exec, err := sm.Start(ctx, "task-1", "squad-1")
			require.NoError(t, err)
			st.setStatus(exec.ID, from)

			require.NoError(t, sm.Complete(ctx, exec.ID, "all green"))

			got, err := st.GetExecution(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, string(StatusCompleted), got.Status)
			require.NotNil(t, got.CompletedAt)
			require.NotNil(t, got.Result)
			assert.Equal(t, "all green", *got.Result)
			assert.Equal(t, 1, em.count(event.TypeCompleted))
			assert.Equal(t, 1, em.count(event.TypeExecutionCompleted))
		})
	}
}

func TestComplete_RejectedOutsideActiveWork(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusAnalyzing, StatusPlanning, StatusDelegated, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled} {
		t.Run(string(from), func(t *testing.T) {
			sm, st, _ := newMachine(t)
			ctx := t.Context()

			exec, err := sm.Start(ctx, "task-1", "squad-1")
			require.NoError(t, err)
			st.setStatus(exec.ID, from)

			var invalid *InvalidTransitionError
			require.ErrorAs(t, sm.Complete(ctx, exec.ID, "nope"), &invalid)
		})
	}
}

func TestErrorAndCancel_FromEveryNonTerminal(t *testing.T) {
	for _, from := range Statuses {
		if from.Terminal() {
			continue
		}
		t.Run("error_from_"+string(from), func(t *testing.T) {
			sm, st, em := newMachine(t)
			ctx := t.Context()
			exec, err := sm.Start(ctx, "task-1", "squad-1")
			require.NoError(t, err)
			st.setStatus(exec.ID, from)

			require.NoError(t, sm.Error(ctx, exec.ID, "boom", map[string]any{"phase": string(from)}))
			got, _ := st.GetExecution(ctx, exec.ID)
			assert.Equal(t, string(StatusFailed), got.Status)
			require.NotNil(t, got.Error)
			assert.Equal(t, 1, em.count(event.TypeError))
			assert.Equal(t, 1, em.count(event.TypeExecutionCompleted))
		})
		t.Run("cancel_from_"+string(from), func(t *testing.T) {
			sm, st, _ := newMachine(t)
			ctx := t.Context()
			exec, err := sm.Start(ctx, "task-1", "squad-1")
			require.NoError(t, err)
			st.setStatus(exec.ID, from)

			require.NoError(t, sm.Cancel(ctx, exec.ID, "priorities changed"))
			got, _ := st.GetExecution(ctx, exec.ID)
			assert.Equal(t, string(StatusCancelled), got.Status)
			require.NotNil(t, got.CompletedAt)
		})
	}
}

func TestErrorAndCancel_RejectedOnTerminal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		t.Run(string(from), func(t *testing.T) {
			sm, st, _ := newMachine(t)
			ctx := t.Context()
			exec, err := sm.Start(ctx, "task-1", "squad-1")
			require.NoError(t, err)
			st.setStatus(exec.ID, from)

			var invalid *InvalidTransitionError
			require.ErrorAs(t, sm.Error(ctx, exec.ID, "boom", nil), &invalid)
			require.ErrorAs(t, sm.Cancel(ctx, exec.ID, "late"), &invalid)

			got, _ := st.GetExecution(ctx, exec.ID)
			assert.Equal(t, string(from), got.Status)
		})
	}
}

func TestEmitFailureDoesNotRollBack(t *testing.T) {
	sm, st, em := newMachine(t)
	ctx := t.Context()

	exec, err := sm.Start(ctx, "task-1", "squad-1")
	require.NoError(t, err)
	em.err = errors.New("hub down")

	require.NoError(t, sm.Transition(ctx, exec.ID, StatusAnalyzing, ""))
	got, _ := st.GetExecution(ctx, exec.ID)
	assert.Equal(t, string(StatusAnalyzing), got.Status)
}

func TestProgress_PureFunctionOfStatus(t *testing.T) {
	for _, s := range Statuses {
		assert.Equal(t, Progress(s), Progress(s))
	}
	assert.Equal(t, 0, Progress(StatusPending))
	assert.Equal(t, 50, Progress(StatusInProgress))
	assert.Equal(t, 100, Progress(StatusCompleted))
	assert.Equal(t, 100, Progress(StatusFailed))
}

func TestLog(t *testing.T) {
	sm, st, em := newMachine(t)
	ctx := t.Context()

	exec, err := sm.Start(ctx, "task-1", "squad-1")
	require.NoError(t, err)

	require.NoError(t, sm.Log(ctx, exec.ID, "fetching dependencies"))
	require.Len(t, st.logs, 1)
	assert.Equal(t, "fetching dependencies", st.logs[0].Message)
	assert.Equal(t, 1, em.count(event.TypeLog))

	got, _ := st.GetExecution(ctx, exec.ID)
	assert.Equal(t, string(StatusPending), got.Status, "log must not change status")
}

func TestSetWorkflowState(t *testing.T) {
	sm, st, _ := newMachine(t)
	ctx := t.Context()

	exec, err := sm.Start(ctx, "task-1", "squad-1")
	require.NoError(t, err)

	require.NoError(t, sm.SetWorkflowState(ctx, exec.ID, "writing migrations"))
	got, _ := st.GetExecution(ctx, exec.ID)
	assert.Equal(t, "writing migrations", got.WorkflowState)
}

func TestConcurrentTerminalRace_ExactlyOneWins(t *testing.T) {
	sm, st, _ := newMachine(t)
	ctx := context.Background()

	exec, err := sm.Start(ctx, "task-1", "squad-1")
	require.NoError(t, err)
	st.setStatus(exec.ID, StatusInProgress)

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Go(func() { results[0] = sm.Complete(ctx, exec.ID, "done") })
	wg.Go(func() { results[1] = sm.Error(ctx, exec.ID, "boom", nil) })
	wg.Wait()

	// The per-execution lock serializes the race: exactly one of the two
	// operations lands, the other sees a terminal status.
	var wins, rejections int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		rejections++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, rejections)

	got, _ := st.GetExecution(ctx, exec.ID)
	assert.True(t, Status(got.Status).Terminal())
}
