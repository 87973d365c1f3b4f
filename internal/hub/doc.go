// Package hub fans persisted event envelopes out to live subscribers.
//
// # Delivery model
//
// Delivery is best-effort: every envelope is persisted before it reaches the
// hub, so the stream is advisory and clients reconcile against the store.
// Each subscriber owns a bounded queue. A full queue gets one timed retry off
// the broadcast path; while that retry is pending, further envelopes for that
// subscriber drop immediately, which keeps per-subscriber order intact and
// guarantees one slow consumer never delays another. A subscriber that
// crosses the drop threshold is force-closed with ConnectionSaturatedError.
//
// # Replay
//
// The hub keeps a small per-scope ring of recent envelopes. A resubscribe
// carrying a last-seen sequence marker receives the buffered envelopes newer
// than the marker, in order, before any live traffic. When the window no
// longer reaches the marker the client gets a truncation indicator instead of
// a silent gap.
//
// # Heartbeats
//
// Heartbeat envelopes go to every open subscriber at a fixed interval. They
// are never persisted or replayed; a missed heartbeat is the client's cue to
// reconnect.
package hub
