// Package broadcast is the fan-out layer: a subscription registry keyed by
// poll id, independent of the transport. Delivery is push-based, best-effort
// and at-most-once per connected session; a slow session loses events rather
// than ever blocking the commit path.
package broadcast

import (
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/votewave/votewave/pkg/db/models"
	"go.uber.org/zap"
)

// Event is one message pushed to subscribed sessions.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Session is one connected viewer. The transport owns the read side of the
// event channel; the hub only ever performs non-blocking sends into it.
type Session struct {
	ID      string
	Creator bool

	events    chan Event
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a session with the given outgoing buffer.
func NewSession(id string, buffer int) *Session {
	return &Session{
		ID:     id,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events is the stream the transport drains.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close makes the session stop accepting deliveries. Safe to call multiple
// times and to race against concurrent deliveries.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// TrySend attempts a non-blocking send. Returns false when the session is
// closed or its buffer is full (the event is dropped, per contract).
func (s *Session) TrySend(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

type room struct {
	mu sync.RWMutex
	// closed marks a room torn down by the last leave. A joiner that loaded
	// it concurrently must discard it and create a fresh one.
	closed   bool
	sessions map[*Session]struct{}
}

// Hub routes committed tally changes and room events to subscribed sessions.
type Hub struct {
	logger *zap.Logger
	rooms  *xsync.Map[string, *room]
	pool   pond.Pool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		rooms:  xsync.NewMap[string, *room](),
		pool:   pond.NewPool(64),
	}
}

// Subscribe adds the session to a poll's room and returns the viewer count
// after the join. Safe to race against concurrent broadcasts: a session
// joining mid-broadcast simply starts receiving from the next event, each of
// which is a full snapshot.
func (h *Hub) Subscribe(pollID string, s *Session) int {
	for {
		r, _ := h.rooms.LoadOrCompute(pollID, func() (*room, bool) {
			return &room{sessions: make(map[*Session]struct{})}, false
		})
		r.mu.Lock()
		if r.closed {
			// Lost the race against the last leave; the room is on its way
			// out of the registry. Start over with a fresh one.
			r.mu.Unlock()
			continue
		}
		r.sessions[s] = struct{}{}
		count := len(r.sessions)
		r.mu.Unlock()
		return count
	}
}

// Unsubscribe removes the session and returns the remaining viewer count.
// The last leave closes the room before removing it from the registry, so a
// concurrent join can never be admitted to a room that is being deleted.
func (h *Hub) Unsubscribe(pollID string, s *Session) int {
	r, ok := h.rooms.Load(pollID)
	if !ok {
		return 0
	}
	r.mu.Lock()
	delete(r.sessions, s)
	count := len(r.sessions)
	if count == 0 {
		r.closed = true
	}
	r.mu.Unlock()
	if count == 0 {
		// Remove only this room: a racing join may already have replaced the
		// registry entry with a live one.
		h.rooms.Compute(pollID, func(cur *room, loaded bool) (*room, xsync.ComputeOp) {
			if loaded && cur == r {
				return nil, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
	}
	return count
}

// ViewerCount reports the sessions currently subscribed to a poll.
func (h *Hub) ViewerCount(pollID string) int {
	r, ok := h.rooms.Load(pollID)
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast pushes an event to every session in the poll's room.
func (h *Hub) Broadcast(pollID string, ev Event) {
	h.BroadcastExcept(pollID, nil, ev)
}

// BroadcastExcept pushes an event to every session but the given one.
// Membership is snapshotted under the read lock; delivery happens on the
// worker pool so a crowded room never stalls the caller.
func (h *Hub) BroadcastExcept(pollID string, except *Session, ev Event) {
	r, ok := h.rooms.Load(pollID)
	if !ok {
		return
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != except {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s := s
		h.pool.Submit(func() {
			if !s.TrySend(ev) {
				h.logger.Debug("dropped broadcast event",
					zap.String("poll_id", pollID),
					zap.String("session_id", s.ID),
					zap.String("type", ev.Type))
			}
		})
	}
}

// PublishTally implements the post-commit publisher contract.
func (h *Hub) PublishTally(snap *models.TallySnapshot) {
	if snap == nil {
		return
	}
	h.Broadcast(snap.PollID, Event{Type: "vote_update", Payload: snap})
}

// Close stops the delivery pool, draining queued sends.
func (h *Hub) Close() {
	h.pool.StopAndWait()
}
