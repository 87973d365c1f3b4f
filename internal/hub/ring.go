// ABOUTME: Fixed-capacity replay ring of recent envelopes per scope
// ABOUTME: Backs the bounded reconnect replay window

package hub

import "github.com/squadops/squadhub/internal/event"

// ring holds the last K envelopes of one scope, ordered by sequence number.
type ring struct {
	entries []*event.Envelope
	cap     int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) add(env *event.Envelope) {
	if r.cap == 0 {
		return
	}
	if len(r.entries) == r.cap {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:r.cap-1]
	}
	r.entries = append(r.entries, env)
}

// since returns the buffered envelopes with Seq greater than afterSeq, in
// order, and whether the window is known to have lost events between afterSeq
// and the oldest buffered envelope.
func (r *ring) since(afterSeq int64) (envs []*event.Envelope, truncated bool) {
	if len(r.entries) == 0 {
		// Nothing buffered for this scope; anything the caller missed is
		// beyond the window.
		return nil, afterSeq > 0
	}

	if r.entries[0].Seq > afterSeq+1 {
		truncated = true
	}
	for _, env := range r.entries {
		if env.Seq > afterSeq {
			envs = append(envs, env)
		}
	}
	return envs, truncated
}
