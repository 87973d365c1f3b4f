// Package store provides persistence for squadhub using SQLite.
//
// # Entities
//
//   - TaskExecution: one squad's run at a task, with a transition log.
//     A partial unique index guarantees at most one active execution per task.
//   - AgentMessage: immutable routed messages, queryable by execution or
//     conversation.
//   - ConversationThread: question/answer threads with versioned state.
//     TransitionThread is a compare-and-swap on (state, version), which is how
//     the timeout sweeper and the reply path race safely.
//   - event.Envelope: the append-only event ledger. Seq comes from an
//     AUTOINCREMENT column, giving a strict total order across all streams.
//   - identity.Member: squad membership rows backing role lookups.
//
// # Concurrency
//
// The store itself does no locking beyond what SQLite provides; callers that
// need mutual exclusion (the execution state machine) hold their own locks.
// Thread state changes go through the CAS so concurrent writers resolve to
// exactly one winner.
//
// # Timestamps
//
// All timestamps are stored as RFC 3339 text in UTC.
package store
