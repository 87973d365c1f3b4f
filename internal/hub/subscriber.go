// ABOUTME: Subscriber handle bound to a bounded envelope queue
// ABOUTME: Close is signalled out of band so the data channel is never closed mid-send

package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/squadops/squadhub/internal/auth"
	"github.com/squadops/squadhub/internal/event"
)

// ConnectionSaturatedError reports a subscriber that kept dropping envelopes
// past the configured threshold and was force-closed.
type ConnectionSaturatedError struct {
	ConnectionID string
	Dropped      int64
}

func (e *ConnectionSaturatedError) Error() string {
	return fmt.Sprintf("connection %s saturated after %d dropped envelopes", e.ConnectionID, e.Dropped)
}

// Subscriber is one live consumer of a scope's event stream. It is owned by
// the hub; consumers read Events until Done is signalled, then check Err.
type Subscriber struct {
	ID          string
	Scope       event.Scope
	Auth        *auth.AuthContext
	ConnectedAt time.Time

	ch        chan *event.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	dropped atomic.Int64
	pending atomic.Bool

	// err is written at most once, before closed is closed; read it only
	// after Done is signalled.
	err error
}

func newSubscriber(id string, scope event.Scope, authCtx *auth.AuthContext, queueSize int) *Subscriber {
	return &Subscriber{
		ID:          id,
		Scope:       scope,
		Auth:        authCtx,
		ConnectedAt: time.Now().UTC(),
		ch:          make(chan *event.Envelope, queueSize),
		closed:      make(chan struct{}),
	}
}

// Events is the subscriber's envelope stream. The channel is never closed;
// select on Done alongside it.
func (s *Subscriber) Events() <-chan *event.Envelope {
	return s.ch
}

// Done is signalled when the subscriber is closed, by unsubscribe or by
// saturation.
func (s *Subscriber) Done() <-chan struct{} {
	return s.closed
}

// Err reports why the subscriber was closed; nil for a plain unsubscribe.
// Valid only after Done is signalled.
func (s *Subscriber) Err() error {
	return s.err
}

// Dropped returns the number of envelopes dropped for this subscriber.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// close signals shutdown exactly once. The data channel stays open so a
// concurrent in-flight enqueue can never panic.
func (s *Subscriber) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.closed)
	})
}
