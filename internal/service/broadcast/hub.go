package broadcast

import (
	"errors"
	"sync"

	"chat_relay/internal/metrics"
	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"go.uber.org/zap"
)

var ErrDuplicateUser = errors.New("user already connected")

type (
	// Publisher forwards deliveries to other gateway nodes.
	Publisher interface {
		Publish(ev *model.Event, originID string)
	}

	// Hub is the live session registry. The lock guards registry mutation
	// and snapshotting only; it is never held while enqueueing events.
	Hub struct {
		mu       sync.RWMutex
		sessions map[string]*Session
		users    map[string]string

		excludeOrigin bool
		relay         Publisher
	}
)

func NewHub(excludeOrigin bool) *Hub {
	return &Hub{
		sessions:      make(map[string]*Session),
		users:         make(map[string]string),
		excludeOrigin: excludeOrigin,
	}
}

// SetRelay must be called before sessions are registered.
func (h *Hub) SetRelay(p Publisher) { h.relay = p }

// Register adds s and starts its writer.
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	if _, ok := h.users[s.UserID]; ok {
		h.mu.Unlock()
		return ErrDuplicateUser
	}
	h.sessions[s.ID] = s
	h.users[s.UserID] = s.ID
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.Sessions.Set(float64(n))
	log.Debug("session registered", zap.String("session", s.ID), zap.String("user", s.UserID))

	go s.writeLoop(func(broken *Session) { h.Unregister(broken.ID) })
	return nil
}

// Unregister removes the session and closes it.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
		if h.users[s.UserID] == id {
			delete(h.users, s.UserID)
		}
	}
	n := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	metrics.Sessions.Set(float64(n))
	log.Debug("session unregistered", zap.String("session", id), zap.String("user", s.UserID))
}

func (h *Hub) Lookup(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Deliver fans ev out to local sessions and, when a relay is configured, to
// other nodes. It returns the number of local sessions that accepted it.
func (h *Hub) Deliver(ev *model.Event, originID string) int {
	n := h.DeliverLocal(ev, originID)
	if h.relay != nil {
		h.relay.Publish(ev, originID)
	}
	return n
}

// DeliverLocal enqueues ev on every registered session except, when
// configured, the origin. Full queues drop this event only; broken sessions
// are removed.
func (h *Hub) DeliverLocal(ev *model.Event, originID string) int {
	delivered := 0
	for _, s := range h.snapshot() {
		if h.excludeOrigin && s.ID == originID {
			continue
		}
		if s.Broken() {
			metrics.DeliveriesDropped.WithLabelValues("broken").Inc()
			h.Unregister(s.ID)
			continue
		}
		if !s.Enqueue(ev) {
			metrics.DeliveriesDropped.WithLabelValues("queue_full").Inc()
			log.Warn("dropping delivery to slow session", zap.String("session", s.ID), zap.Uint64("seq", ev.Seq))
			continue
		}
		delivered++
	}
	return delivered
}

// Notify sends ev to a single session, used for rejections.
func (h *Hub) Notify(id string, ev *model.Event) bool {
	s, ok := h.Lookup(id)
	if !ok {
		return false
	}
	return s.Enqueue(ev)
}

// Close disconnects every session.
func (h *Hub) Close() {
	for _, s := range h.snapshot() {
		h.Unregister(s.ID)
	}
}
