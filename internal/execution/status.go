// ABOUTME: Execution status enum, transition adjacency, and the progress table
// ABOUTME: The adjacency map is the single source of truth for legal status edges

package execution

import "fmt"

// Status is the lifecycle state of a task execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAnalyzing  Status = "analyzing"
	StatusPlanning   Status = "planning"
	StatusDelegated  Status = "delegated"
	StatusInProgress Status = "in_progress"
	StatusReviewing  Status = "reviewing"
	StatusTesting    Status = "testing"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusPending, StatusAnalyzing, StatusPlanning, StatusDelegated,
	StatusInProgress, StatusReviewing, StatusTesting, StatusCompleted,
	StatusBlocked, StatusFailed, StatusCancelled,
}

// Terminal reports whether the status ends the execution's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the adjacency map of legal status edges: the linear happy
// path, the blocked round-trip, and the failed/cancelled escape hatches from
// every non-terminal status.
var transitions = buildTransitions()

func buildTransitions() map[Status]map[Status]bool {
	adj := map[Status]map[Status]bool{
		StatusPending:    {StatusAnalyzing: true},
		StatusAnalyzing:  {StatusPlanning: true},
		StatusPlanning:   {StatusDelegated: true},
		StatusDelegated:  {StatusInProgress: true},
		StatusInProgress: {StatusReviewing: true, StatusBlocked: true},
		StatusReviewing:  {StatusTesting: true, StatusBlocked: true},
		StatusTesting:    {StatusCompleted: true, StatusBlocked: true},
		StatusBlocked:    {StatusInProgress: true},
	}
	for _, s := range Statuses {
		if s.Terminal() {
			continue
		}
		adj[s][StatusFailed] = true
		adj[s][StatusCancelled] = true
	}
	return adj
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// progressTable maps each status to a display percentage. Display only; never
// used for control flow.
var progressTable = map[Status]int{
	StatusPending:    0,
	StatusAnalyzing:  10,
	StatusPlanning:   20,
	StatusDelegated:  30,
	StatusInProgress: 50,
	StatusReviewing:  70,
	StatusTesting:    85,
	StatusCompleted:  100,
	StatusBlocked:    50,
	StatusFailed:     100,
	StatusCancelled:  100,
}

// Progress returns the display percentage for a status.
func Progress(s Status) int {
	return progressTable[s]
}

// InvalidTransitionError reports a rejected status edge. The execution is
// left unchanged.
type InvalidTransitionError struct {
	ExecutionID string
	From        Status
	To          Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for execution %s", e.From, e.To, e.ExecutionID)
}
