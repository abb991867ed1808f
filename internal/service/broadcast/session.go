package broadcast

import (
	"sync"
	"time"

	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Conn is the write side of a client connection. *websocket.Conn
	// satisfies it.
	Conn interface {
		WriteJSON(v interface{}) error
		SetWriteDeadline(t time.Time) error
		Close() error
	}

	Session struct {
		ID     string
		UserID string

		conn         Conn
		queue        chan *model.Event
		writeTimeout time.Duration

		closeOnce sync.Once
		done      chan struct{}
		broken    chan struct{}
		brokeOnce sync.Once
	}
)

func NewSession(userID string, conn Conn, queueSize int, writeTimeout time.Duration) *Session {
	return &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		conn:         conn,
		queue:        make(chan *model.Event, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		broken:       make(chan struct{}),
	}
}

// Enqueue hands ev to the session writer without blocking. It reports false
// when the queue is full or the session is gone.
func (s *Session) Enqueue(ev *model.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *Session) Broken() bool {
	select {
	case <-s.broken:
		return true
	default:
		return false
	}
}

// Closed reports whether the session has disconnected.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops the writer and closes the connection. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writeLoop drains the queue in order until the session closes or a write
// fails. onBroken runs once on the first failed write.
func (s *Session) writeLoop(onBroken func(*Session)) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			if s.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				log.Debug("session write failed", zap.String("session", s.ID), zap.Error(err))
				s.brokeOnce.Do(func() { close(s.broken) })
				onBroken(s)
				return
			}
		}
	}
}
