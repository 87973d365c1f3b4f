// ABOUTME: Canonical event envelope shared by the router, state machine, and hub
// ABOUTME: Carries type, scope, visibility, sequence number, and the SSE wire encoding

package event

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Type categorizes an envelope on the wire. These values are the SSE event
// names seen by connected viewers.
type Type string

const (
	TypeConnected          Type = "connected"
	TypeMessage            Type = "message"
	TypeStatusUpdate       Type = "status_update"
	TypeLog                Type = "log"
	TypeProgress           Type = "progress"
	TypeError              Type = "error"
	TypeCompleted          Type = "completed"
	TypeExecutionStarted   Type = "execution_started"
	TypeExecutionCompleted Type = "execution_completed"
	TypeHeartbeat          Type = "heartbeat"

	// TypeTruncated is sent to a resubscribing viewer whose last-seen marker
	// predates the replay window. It replaces a silent gap.
	TypeTruncated Type = "truncated"
)

// Visibility controls which subscribers may receive an envelope or message.
type Visibility string

const (
	// VisibilityPublic marks traffic that touches a user-facing role.
	VisibilityPublic Visibility = "public"
	// VisibilityInternal marks squad-internal traffic between non-user-facing
	// roles. Never delivered to end_user subscribers.
	VisibilityInternal Visibility = "internal"
	// VisibilitySystem marks coordinator-generated notices.
	VisibilitySystem Visibility = "system"
)

// ScopeKind distinguishes execution-level from squad-level scoping.
type ScopeKind string

const (
	ScopeExecution ScopeKind = "execution"
	ScopeSquad     ScopeKind = "squad"
)

// Scope identifies the stream an envelope belongs to. A squad-level
// subscription covers every execution owned by that squad.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// ExecutionScope returns the scope for a single execution's stream.
func ExecutionScope(executionID string) Scope {
	return Scope{Kind: ScopeExecution, ID: executionID}
}

// SquadScope returns the scope covering all of a squad's executions.
func SquadScope(squadID string) Scope {
	return Scope{Kind: ScopeSquad, ID: squadID}
}

// String renders the scope as "kind:id", used as a registry key.
func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Envelope is the canonical event wrapper. Every envelope is persisted before
// broadcast; Seq is assigned by the store and is strictly increasing across
// the whole ledger, so per-scope event streams are totally ordered by Seq.
type Envelope struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	ExecutionID string          `json:"execution_id,omitempty"`
	SquadID     string          `json:"squad_id,omitempty"`
	Visibility  Visibility      `json:"visibility"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Matches reports whether the envelope belongs on the given scope's stream.
// Execution scopes match exactly; squad scopes cover every execution of that
// squad.
func (e *Envelope) Matches(scope Scope) bool {
	switch scope.Kind {
	case ScopeExecution:
		return e.ExecutionID != "" && e.ExecutionID == scope.ID
	case ScopeSquad:
		return e.SquadID != "" && e.SquadID == scope.ID
	default:
		return false
	}
}

// WriteSSE writes the envelope in server-sent-event framing:
//
//	id: <seq>
//	event: <type>
//	data: <json>
//
// The id line carries the sequence number, so a standard EventSource client
// resumes via Last-Event-ID. Envelopes without a sequence number (heartbeats,
// connection markers) omit the id line and never advance the client's marker.
func (e *Envelope) WriteSSE(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling envelope %s: %w", e.ID, err)
	}
	if e.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", e.Seq); err != nil {
			return fmt.Errorf("writing envelope %s: %w", e.ID, err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("writing envelope %s: %w", e.ID, err)
	}
	return nil
}

// MarshalPayload encodes v for use as an envelope payload. Marshal failures
// collapse to an empty payload; payloads are plain maps and structs, so a
// failure here indicates a programming error, not bad input.
func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
