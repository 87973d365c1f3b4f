// Package conversation tracks question/answer exchanges between agents as
// threads with deadlines.
//
// # Lifecycle
//
//	initiated → waiting → {answered | timeout}
//	timeout → follow_up → {answered | escalating}
//	escalating → escalated → {answered | cancelled}
//	any non-terminal → cancelled
//
// A thread that misses its reply deadline gets one automated follow-up with a
// shorter deadline. A second miss escalates to the squad's project manager,
// resolved by role at escalation time. A squad with no project manager gets
// the thread force-cancelled with a system notice (TimeoutEscalationError).
//
// # Concurrency
//
// The sweeper and OnReply race at deadline boundaries. Every state change
// goes through the store's compare-and-swap on (state, version): exactly one
// writer wins each edge, the loser treats the failed CAS as "already handled"
// and skips its side effects. This is what guarantees at most one follow-up
// and at most one escalation per thread.
package conversation
