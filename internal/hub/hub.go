// ABOUTME: Broadcast hub fanning persisted envelopes out to live subscribers
// ABOUTME: Bounded queues, per-subscriber drop accounting, replay window, and heartbeats

package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/squadops/squadhub/internal/auth"
	"github.com/squadops/squadhub/internal/event"
)

// Options tunes the hub. Zero values fall back to the stock defaults.
type Options struct {
	QueueSize         int           // per-subscriber queue capacity
	ReplaySize        int           // envelopes kept per scope for resubscribe replay
	DropThreshold     int           // drops before a subscriber is force-closed
	SendTimeout       time.Duration // how long a full queue is retried before dropping
	HeartbeatInterval time.Duration
}

func (o *Options) fill() {
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	// The queue must at least hold the connected and truncated markers that
	// Subscribe enqueues under the hub lock.
	if o.QueueSize < 2 {
		o.QueueSize = 2
	}
	if o.ReplaySize < 0 {
		o.ReplaySize = 0
	}
	// Replay plus the connected/truncated markers must fit in the queue:
	// Subscribe enqueues them under the hub lock and must never block there.
	// Queues too small to hold the markers get no replay at all.
	if o.ReplaySize > o.QueueSize-2 {
		o.ReplaySize = max(0, o.QueueSize-2)
	}
	if o.DropThreshold <= 0 {
		o.DropThreshold = 25
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
}

// Hub maintains per-scope subscriber registries and fans out envelopes. It is
// a process-scoped object constructed once at startup and passed by reference
// to every producer; it holds no authoritative state, only caches.
type Hub struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	rings       map[string]*ring

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a hub and starts its heartbeat loop.
func New(opts Options, reg prometheus.Registerer, logger *slog.Logger) *Hub {
	opts.fill()
	h := &Hub{
		opts:        opts,
		logger:      logger.With("component", "hub"),
		metrics:     newMetrics(reg),
		subscribers: make(map[string]*Subscriber),
		rings:       make(map[string]*ring),
		stopCh:      make(chan struct{}),
	}

	h.wg.Go(h.heartbeatLoop)
	return h
}

// Subscribe registers a consumer on a scope. End users are restricted to
// public and system envelopes regardless of requested scope. A lastSeen
// marker greater than zero requests replay: buffered envelopes newer than the
// marker are enqueued in order before any live traffic, preceded by a
// truncation indicator when the window no longer reaches back to the marker.
func (h *Hub) Subscribe(scope event.Scope, authCtx *auth.AuthContext, lastSeen int64) *Subscriber {
	sub := newSubscriber(uuid.NewString(), scope, authCtx, h.opts.QueueSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Queued before registration, so replay precedes live traffic with no
	// gap or duplication: live envelopes only reach this subscriber once it
	// is in the map, and the ring is only mutated under the same lock.
	sub.ch <- &event.Envelope{
		ID:        uuid.NewString(),
		Type:      event.TypeConnected,
		Payload:   event.MarshalPayload(map[string]string{"connection_id": sub.ID, "scope": scope.String()}),
		Timestamp: time.Now().UTC(),
	}

	if lastSeen > 0 {
		h.replayLocked(sub, lastSeen)
	}

	h.subscribers[sub.ID] = sub
	h.metrics.subscribers.Inc()

	h.logger.Debug("subscriber added",
		"connection_id", sub.ID,
		"scope", scope.String(),
		"subject", authCtx.Subject,
		"last_seen", lastSeen,
	)
	return sub
}

// replayLocked enqueues the buffered envelopes newer than the marker. The
// replay set is bounded by the ring size, which is far below the queue
// capacity, so these sends cannot block.
func (h *Hub) replayLocked(sub *Subscriber, lastSeen int64) {
	r, ok := h.rings[sub.Scope.String()]
	if !ok {
		r = newRing(h.opts.ReplaySize)
	}

	envs, truncated := r.since(lastSeen)
	if truncated {
		sub.ch <- &event.Envelope{
			ID:        uuid.NewString(),
			Type:      event.TypeTruncated,
			Payload:   event.MarshalPayload(map[string]int64{"last_seen": lastSeen}),
			Timestamp: time.Now().UTC(),
		}
	}
	for _, env := range envs {
		if !sub.Auth.CanSee(env.Visibility) {
			continue
		}
		sub.ch <- env
		h.metrics.replayed.Inc()
	}
}

// Unsubscribe removes a subscriber. Idempotent and safe to call concurrently
// with an in-flight broadcast.
func (h *Hub) Unsubscribe(connectionID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[connectionID]
	if ok {
		delete(h.subscribers, connectionID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close(nil)
	h.metrics.subscribers.Dec()
	h.logger.Debug("subscriber removed", "connection_id", connectionID)
}

// Broadcast fans an envelope out to every matching subscriber. Each delivery
// is independent: a full queue drops the envelope for that subscriber only
// and never delays the others or the caller. Broadcasting to zero
// subscribers is a no-op.
func (h *Hub) Broadcast(env *event.Envelope) {
	h.metrics.broadcasts.Inc()

	h.mu.Lock()
	h.bufferLocked(env)
	subs := h.matchingLocked(env)
	h.mu.Unlock()

	for _, sub := range subs {
		h.enqueue(sub, env)
	}
}

// bufferLocked records the envelope in the replay rings of both streams it
// belongs to.
func (h *Hub) bufferLocked(env *event.Envelope) {
	if h.opts.ReplaySize == 0 {
		return
	}
	for _, scope := range envelopeScopes(env) {
		key := scope.String()
		r, ok := h.rings[key]
		if !ok {
			r = newRing(h.opts.ReplaySize)
			h.rings[key] = r
		}
		r.add(env)
	}
}

func envelopeScopes(env *event.Envelope) []event.Scope {
	var scopes []event.Scope
	if env.ExecutionID != "" {
		scopes = append(scopes, event.ExecutionScope(env.ExecutionID))
	}
	if env.SquadID != "" {
		scopes = append(scopes, event.SquadScope(env.SquadID))
	}
	return scopes
}

func (h *Hub) matchingLocked(env *event.Envelope) []*Subscriber {
	var subs []*Subscriber
	for _, sub := range h.subscribers {
		if !env.Matches(sub.Scope) {
			continue
		}
		if !sub.Auth.CanSee(env.Visibility) {
			continue
		}
		subs = append(subs, sub)
	}
	return subs
}

// enqueue attempts a non-blocking send. On a full queue, a single timed retry
// runs off the hot path; while it is in flight, further envelopes for that
// subscriber drop immediately, preserving per-subscriber order.
func (h *Hub) enqueue(sub *Subscriber, env *event.Envelope) {
	select {
	case <-sub.closed:
		return
	default:
	}

	select {
	case sub.ch <- env:
		h.metrics.delivered.Inc()
		return
	default:
	}

	if !sub.pending.CompareAndSwap(false, true) {
		h.drop(sub)
		return
	}

	h.wg.Go(func() {
		defer sub.pending.Store(false)

		timer := time.NewTimer(h.opts.SendTimeout)
		defer timer.Stop()

		select {
		case sub.ch <- env:
			h.metrics.delivered.Inc()
		case <-timer.C:
			h.drop(sub)
		case <-sub.closed:
		case <-h.stopCh:
		}
	})
}

// drop charges one dropped envelope to the subscriber and force-closes it
// once it crosses the threshold.
func (h *Hub) drop(sub *Subscriber) {
	h.metrics.dropped.Inc()
	dropped := sub.dropped.Add(1)

	if dropped < int64(h.opts.DropThreshold) {
		return
	}

	h.mu.Lock()
	_, present := h.subscribers[sub.ID]
	if present {
		delete(h.subscribers, sub.ID)
	}
	h.mu.Unlock()

	if !present {
		return
	}

	err := &ConnectionSaturatedError{ConnectionID: sub.ID, Dropped: dropped}
	sub.close(err)
	h.metrics.subscribers.Dec()
	h.metrics.forceClosed.Inc()
	h.logger.Warn("subscriber force-closed",
		"connection_id", sub.ID,
		"scope", sub.Scope.String(),
		"dropped", dropped,
	)
}

// heartbeatLoop pushes a heartbeat envelope to every open subscriber at the
// configured interval. Heartbeats are never persisted or replayed; missed
// ones are the client's signal to reconnect.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
		}

		env := &event.Envelope{
			ID:        uuid.NewString(),
			Type:      event.TypeHeartbeat,
			Timestamp: time.Now().UTC(),
		}

		h.mu.RLock()
		subs := make([]*Subscriber, 0, len(h.subscribers))
		for _, sub := range h.subscribers {
			subs = append(subs, sub)
		}
		h.mu.RUnlock()

		for _, sub := range subs {
			h.enqueue(sub, env)
		}
	}
}

// SubscriberCount returns the number of open subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close shuts the hub down: the heartbeat loop stops, pending retries are
// released, and every subscriber is closed.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()

	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(nil)
		h.metrics.subscribers.Dec()
	}
	h.logger.Info("hub closed")
}
