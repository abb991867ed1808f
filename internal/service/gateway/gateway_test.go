package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat_relay/internal/model"
	"chat_relay/internal/service/broadcast"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEncrypter struct {
	delays map[string]time.Duration
	errs   map[string]error
	gate   chan struct{} // when set, every call waits on it
	calls  atomic.Int32
}

func (f *fakeEncrypter) EncryptMessage(ctx context.Context, plaintext, ad []byte) (*model.Envelope, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if d := f.delays[string(plaintext)]; d > 0 {
		time.Sleep(d)
	}
	if err := f.errs[string(plaintext)]; err != nil {
		return nil, err
	}
	return &model.Envelope{
		KeyVersion: 1,
		Nonce:      make([]byte, model.NonceSize),
		Ciphertext: append([]byte(nil), plaintext...),
		Tag:        make([]byte, model.TagSize),
	}, nil
}

type unavailableEncrypter struct{ calls atomic.Int32 }

func (u *unavailableEncrypter) EncryptMessage(ctx context.Context, plaintext, ad []byte) (*model.Envelope, error) {
	u.calls.Add(1)
	return nil, model.ErrServiceUnavailable
}

type recordingConn struct {
	mu     sync.Mutex
	events []*model.Event
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(*model.Event))
	return nil
}

func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }
func (c *recordingConn) Close() error                     { return nil }

func (c *recordingConn) Events() []*model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Event(nil), c.events...)
}

func plaintexts(t *testing.T, events []*model.Event) []string {
	t.Helper()
	var out []string
	for _, ev := range events {
		require.Equal(t, model.EventMessage, ev.Type)
		env, err := model.DecodeEnvelope(ev.Message)
		require.NoError(t, err)
		out = append(out, string(env.Ciphertext))
	}
	return out
}

type fixture struct {
	hub      *broadcast.Hub
	gw       *Gateway
	sender   *broadcast.Session
	senderC  *recordingConn
	observer *recordingConn
}

func newFixture(t *testing.T, enc Encrypter) *fixture {
	t.Helper()
	hub := broadcast.NewHub(true)
	t.Cleanup(hub.Close)

	f := &fixture{
		hub:      hub,
		gw:       New(context.Background(), enc, hub),
		senderC:  &recordingConn{},
		observer: &recordingConn{},
	}
	f.sender = broadcast.NewSession("alice", f.senderC, 64, time.Second)
	require.NoError(t, hub.Register(f.sender))
	require.NoError(t, hub.Register(broadcast.NewSession("bob", f.observer, 64, time.Second)))
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.gw.Wait(ctx))
}

func TestPerSenderOrderWithReversedLatency(t *testing.T) {
	enc := &fakeEncrypter{delays: map[string]time.Duration{
		"m1": 90 * time.Millisecond,
		"m2": 45 * time.Millisecond,
		"m3": 0,
	}}
	f := newFixture(t, enc)

	for i, m := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, uint64(i+1), f.gw.Submit(f.sender, []byte(m)))
	}
	f.wait(t)

	require.Eventually(t, func() bool { return len(f.observer.Events()) == 3 }, time.Second, 5*time.Millisecond)
	events := f.observer.Events()
	assert.Equal(t, []string{"m1", "m2", "m3"}, plaintexts(t, events))
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "alice", ev.Sender)
	}
	assert.Empty(t, f.senderC.Events(), "origin is excluded from its own broadcast")

	n, ok := f.gw.pendingFor(f.sender.ID)
	require.True(t, ok)
	assert.Zero(t, n)
}

func TestSlowSenderDoesNotBlockOthers(t *testing.T) {
	enc := &fakeEncrypter{delays: map[string]time.Duration{"slow": 300 * time.Millisecond}}
	f := newFixture(t, enc)

	carolConn := &recordingConn{}
	carol := broadcast.NewSession("carol", carolConn, 64, time.Second)
	require.NoError(t, f.hub.Register(carol))

	f.gw.Submit(f.sender, []byte("slow"))
	f.gw.Submit(carol, []byte("fast"))

	require.Eventually(t, func() bool { return len(f.observer.Events()) >= 1 }, 200*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"fast"}, plaintexts(t, f.observer.Events()[:1]))

	f.wait(t)
	require.Eventually(t, func() bool { return len(f.observer.Events()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestServiceUnavailableNeverBroadcasts(t *testing.T) {
	enc := &unavailableEncrypter{}
	f := newFixture(t, enc)

	for _, m := range []string{"m1", "m2", "m3"} {
		f.gw.Submit(f.sender, []byte(m))
	}
	f.wait(t)

	require.Eventually(t, func() bool { return len(f.senderC.Events()) == 3 }, time.Second, 5*time.Millisecond)
	for i, ev := range f.senderC.Events() {
		assert.Equal(t, model.EventEncryptionFailed, ev.Type)
		assert.Equal(t, model.KindServiceUnavailable, ev.Error)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Empty(t, ev.Message)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.observer.Events())
	assert.Equal(t, int32(3), enc.calls.Load(), "gateway does not retry on its own")

	n, _ := f.gw.pendingFor(f.sender.ID)
	assert.Zero(t, n)
}

func TestRejectionKeepsOrderWithSuccesses(t *testing.T) {
	enc := &fakeEncrypter{
		delays: map[string]time.Duration{"too big": 60 * time.Millisecond},
		errs:   map[string]error{"too big": model.ErrPayloadTooLarge},
	}
	f := newFixture(t, enc)

	f.gw.Submit(f.sender, []byte("first"))
	f.gw.Submit(f.sender, []byte("too big"))
	f.gw.Submit(f.sender, []byte("third"))
	f.wait(t)

	require.Eventually(t, func() bool { return len(f.observer.Events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "third"}, plaintexts(t, f.observer.Events()))

	require.Eventually(t, func() bool { return len(f.senderC.Events()) == 1 }, time.Second, 5*time.Millisecond)
	rej := f.senderC.Events()[0]
	assert.Equal(t, model.KindPayloadTooLarge, rej.Error)
	assert.Equal(t, uint64(2), rej.Seq)
}

func TestDisconnectWhileEncryptingDiscards(t *testing.T) {
	enc := &fakeEncrypter{gate: make(chan struct{})}
	f := newFixture(t, enc)

	f.gw.Submit(f.sender, []byte("late"))
	require.Eventually(t, func() bool { return enc.calls.Load() == 1 }, time.Second, time.Millisecond)

	f.hub.Unregister(f.sender.ID)
	f.gw.Disconnect(f.sender)
	_, tracked := f.gw.pendingFor(f.sender.ID)
	assert.True(t, tracked, "state is kept while a call is in flight")

	close(enc.gate)
	f.wait(t)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.observer.Events())
	_, tracked = f.gw.pendingFor(f.sender.ID)
	assert.False(t, tracked)
}

func TestSequenceNumbersAreIndependentPerSender(t *testing.T) {
	f := newFixture(t, &fakeEncrypter{})

	other := broadcast.NewSession("carol", &recordingConn{}, 4, time.Second)
	require.NoError(t, f.hub.Register(other))

	assert.Equal(t, uint64(1), f.gw.Submit(f.sender, []byte("a")))
	assert.Equal(t, uint64(2), f.gw.Submit(f.sender, []byte("b")))
	assert.Equal(t, uint64(1), f.gw.Submit(other, []byte("c")))
	f.wait(t)
}

func TestWaitHonoursContext(t *testing.T) {
	enc := &fakeEncrypter{gate: make(chan struct{})}
	f := newFixture(t, enc)
	f.gw.Submit(f.sender, []byte("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(f.gw.Wait(ctx), context.DeadlineExceeded))
	close(enc.gate)
	f.wait(t)
}
