package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"chat_relay/internal/model"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	events  []*model.Event
	release chan struct{} // when set, every write waits on it
	fail    bool
	closed  bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, v.(*model.Event))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Seq)
	}
	return out
}

func register(t *testing.T, h *Hub, user string, conn *fakeConn, queue int) *Session {
	t.Helper()
	s := NewSession(user, conn, queue, time.Second)
	require.NoError(t, h.Register(s))
	return s
}

func event(seq uint64) *model.Event {
	return &model.Event{Type: model.EventMessage, Sender: "alice", Seq: seq}
}

func TestDeliverSkipsOriginAndPreservesOrder(t *testing.T) {
	h := NewHub(true)
	defer h.Close()

	aliceConn, bobConn, carolConn := &fakeConn{}, &fakeConn{}, &fakeConn{}
	alice := register(t, h, "alice", aliceConn, 16)
	register(t, h, "bob", bobConn, 16)
	register(t, h, "carol", carolConn, 16)

	for seq := uint64(1); seq <= 5; seq++ {
		assert.Equal(t, 2, h.Deliver(event(seq), alice.ID))
	}

	want := []uint64{1, 2, 3, 4, 5}
	require.Eventually(t, func() bool { return len(bobConn.Seqs()) == 5 && len(carolConn.Seqs()) == 5 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, want, bobConn.Seqs())
	assert.Equal(t, want, carolConn.Seqs())
	assert.Empty(t, aliceConn.Seqs())
}

func TestDeliverIncludesOriginWhenConfigured(t *testing.T) {
	h := NewHub(false)
	defer h.Close()

	aliceConn := &fakeConn{}
	alice := register(t, h, "alice", aliceConn, 4)
	assert.Equal(t, 1, h.Deliver(event(1), alice.ID))
	require.Eventually(t, func() bool { return len(aliceConn.Seqs()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	h := NewHub(true)
	defer h.Close()

	slowConn := &fakeConn{release: make(chan struct{})}
	fastConn := &fakeConn{}
	register(t, h, "slow", slowConn, 1)
	register(t, h, "fast", fastConn, 16)

	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 10; seq++ {
			h.Deliver(event(seq), "nobody")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a slow session")
	}

	require.Eventually(t, func() bool { return len(fastConn.Seqs()) == 10 }, time.Second, 5*time.Millisecond)

	close(slowConn.release)
	// the slow session keeps what fit in its queue, in order, and lost the rest
	require.Eventually(t, func() bool { return len(slowConn.Seqs()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got := slowConn.Seqs()
	assert.Less(t, len(got), 10)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestBrokenSessionIsRemoved(t *testing.T) {
	h := NewHub(true)
	defer h.Close()

	brokenConn := &fakeConn{fail: true}
	okConn := &fakeConn{}
	register(t, h, "broken", brokenConn, 4)
	register(t, h, "ok", okConn, 4)

	h.Deliver(event(1), "nobody")
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.Deliver(event(2), "nobody")
	require.Eventually(t, func() bool { return len(okConn.Seqs()) == 2 }, time.Second, 5*time.Millisecond)

	brokenConn.mu.Lock()
	defer brokenConn.mu.Unlock()
	assert.True(t, brokenConn.closed)
}

func TestDuplicateUserRejected(t *testing.T) {
	h := NewHub(true)
	defer h.Close()

	register(t, h, "alice", &fakeConn{}, 1)
	err := h.Register(NewSession("alice", &fakeConn{}, 1, time.Second))
	assert.ErrorIs(t, err, ErrDuplicateUser)

	s, ok := h.Lookup("missing")
	assert.False(t, ok)
	assert.Nil(t, s)
}

func TestUnregisterFreesUserID(t *testing.T) {
	h := NewHub(true)
	defer h.Close()

	s := register(t, h, "alice", &fakeConn{}, 1)
	h.Unregister(s.ID)
	assert.True(t, s.Closed())
	assert.False(t, s.Enqueue(event(1)))

	register(t, h, "alice", &fakeConn{}, 1)
	assert.Equal(t, 1, h.Len())
}

func TestNotifyTargetsOneSession(t *testing.T) {
	h := NewHub(true)
	defer h.Close()

	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	alice := register(t, h, "alice", aliceConn, 4)
	register(t, h, "bob", bobConn, 4)

	assert.True(t, h.Notify(alice.ID, &model.Event{Type: model.EventEncryptionFailed, Seq: 1}))
	assert.False(t, h.Notify("gone", &model.Event{}))

	require.Eventually(t, func() bool { return len(aliceConn.Seqs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bobConn.Seqs())
}

type recordingPublisher struct {
	mu   sync.Mutex
	seqs []uint64
}

func (p *recordingPublisher) Publish(ev *model.Event, originID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqs = append(p.seqs, ev.Seq)
}

func TestDeliverMirrorsToRelay(t *testing.T) {
	h := NewHub(true)
	defer h.Close()
	pub := &recordingPublisher{}
	h.SetRelay(pub)

	h.Deliver(event(1), "x")
	h.Deliver(event(2), "x")
	assert.Equal(t, []uint64{1, 2}, pub.seqs)

	h.DeliverLocal(event(3), "x")
	assert.Equal(t, []uint64{1, 2}, pub.seqs, "relayed events are not republished")
}

func TestRelayHandleSkipsOwnNode(t *testing.T) {
	h := NewHub(true)
	defer h.Close()
	conn := &fakeConn{}
	register(t, h, "bob", conn, 4)

	r := NewRelay(nil, "chat", h, 4)

	own, err := cbor.Marshal(&relayMessage{Node: r.Node(), Origin: "a", Event: event(1)})
	require.NoError(t, err)
	foreign, err := cbor.Marshal(&relayMessage{Node: "other-node", Origin: "a", Event: event(2)})
	require.NoError(t, err)

	r.handle(own)
	r.handle(foreign)
	r.handle([]byte{0xff, 0x00})

	require.Eventually(t, func() bool { return len(conn.Seqs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{2}, conn.Seqs())
}

func TestRelayPublishDoesNotBlockWhenFull(t *testing.T) {
	r := NewRelay(nil, "chat", NewHub(true), 1)
	r.Publish(event(1), "a")

	done := make(chan struct{})
	go func() {
		r.Publish(event(2), "a")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}
