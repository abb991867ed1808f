package gateway

import (
	"context"
	"sync"
	"time"

	"chat_relay/internal/metrics"
	"chat_relay/internal/model"
	"chat_relay/internal/service/broadcast"
	"chat_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Encrypter interface {
		EncryptMessage(ctx context.Context, plaintext, associatedData []byte) (*model.Envelope, error)
	}

	pending struct {
		msg   model.ChatMessage
		state model.MessageState
		env   *model.Envelope
		err   error
	}

	// senderState is the reorder buffer for one connection. Results are
	// released strictly in sequence order.
	senderState struct {
		mu       sync.Mutex
		nextSeq  uint64
		released uint64
		pending  map[uint64]*pending
	}

	// Gateway encrypts inbound messages off the session read loop and hands
	// the results to fan-out in per-sender order.
	Gateway struct {
		ctx context.Context
		enc Encrypter
		hub *broadcast.Hub
		now func() time.Time

		mu      sync.Mutex
		senders map[string]*senderState

		wg sync.WaitGroup
	}
)

// New binds encryption calls to ctx rather than to any session, so a
// disconnect never aborts a call that is already in flight.
func New(ctx context.Context, enc Encrypter, hub *broadcast.Hub) *Gateway {
	return &Gateway{
		ctx:     ctx,
		enc:     enc,
		hub:     hub,
		now:     time.Now,
		senders: make(map[string]*senderState),
	}
}

// Submit accepts a plaintext message from session, assigns its sequence
// number and dispatches encryption without waiting for it.
func (g *Gateway) Submit(session *broadcast.Session, plaintext []byte) uint64 {
	st := g.sender(session.ID)

	st.mu.Lock()
	st.nextSeq++
	p := &pending{
		msg: model.ChatMessage{
			SenderID:   session.UserID,
			SequenceNo: st.nextSeq,
			Plaintext:  plaintext,
			Timestamp:  g.now().UTC(),
		},
		state: model.StateReceived,
	}
	st.pending[p.msg.SequenceNo] = p
	p.state = model.StateEncrypting
	st.mu.Unlock()

	metrics.MessagesReceived.Inc()

	g.wg.Add(1)
	go g.encrypt(session, st, p)
	return p.msg.SequenceNo
}

// Disconnect drops per-sender state once nothing is in flight. Pending
// messages finish encrypting and are then discarded.
func (g *Gateway) Disconnect(session *broadcast.Session) {
	g.forgetIfIdle(session)
}

// Wait blocks until in-flight encryptions finish or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) sender(id string) *senderState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.senders[id]
	if !ok {
		st = &senderState{pending: make(map[uint64]*pending)}
		g.senders[id] = st
	}
	return st
}

func (g *Gateway) encrypt(session *broadcast.Session, st *senderState, p *pending) {
	defer g.wg.Done()

	env, err := g.enc.EncryptMessage(g.ctx, p.msg.Plaintext, []byte(p.msg.SenderID))

	st.mu.Lock()
	p.env, p.err = env, err
	if err != nil {
		p.state = model.StateRejected
	} else {
		p.state = model.StateEncrypted
	}
	g.release(session, st)
	st.mu.Unlock()

	if session.Closed() {
		g.forgetIfIdle(session)
	}
}

// release hands every completed message at the head of the buffer to
// fan-out. Caller holds st.mu.
func (g *Gateway) release(session *broadcast.Session, st *senderState) {
	for {
		seq := st.released + 1
		p, ok := st.pending[seq]
		if !ok || p.state == model.StateEncrypting {
			return
		}
		delete(st.pending, seq)
		st.released = seq
		g.finish(session, p)
	}
}

func (g *Gateway) finish(session *broadcast.Session, p *pending) {
	fields := []zap.Field{
		zap.String("session", session.ID),
		zap.String("sender", p.msg.SenderID),
		zap.Uint64("seq", p.msg.SequenceNo),
	}

	if session.Closed() {
		p.state = model.StateDiscarded
		metrics.MessagesDiscarded.Inc()
		log.Debug("sender gone, discarding message", fields...)
		return
	}

	var encoded string
	if p.err == nil {
		encoded, p.err = p.env.Encode()
	}
	if p.err != nil {
		g.reject(session, p, fields)
		return
	}

	p.state = model.StateBroadcasting
	n := g.hub.Deliver(&model.Event{
		Type:      model.EventMessage,
		Sender:    p.msg.SenderID,
		Message:   encoded,
		Seq:       p.msg.SequenceNo,
		Timestamp: p.msg.Timestamp,
	}, session.ID)
	p.state = model.StateDelivered
	metrics.MessagesBroadcast.Inc()
	log.Debug("message broadcast", append(fields, zap.Int("recipients", n))...)
}

func (g *Gateway) reject(session *broadcast.Session, p *pending, fields []zap.Field) {
	p.state = model.StateRejected
	kind := model.KindOf(p.err)
	metrics.MessagesRejected.WithLabelValues(string(kind)).Inc()

	fields = append(fields, zap.String("kind", string(kind)), zap.Error(p.err))
	if kind == model.KindAuthenticationFailure {
		log.Security("encryption rejected message", fields...)
	} else {
		log.Warn("encryption failed, rejecting message", fields...)
	}

	g.hub.Notify(session.ID, &model.Event{
		Type:      model.EventEncryptionFailed,
		Seq:       p.msg.SequenceNo,
		Error:     kind,
		Timestamp: g.now().UTC(),
	})
}

func (g *Gateway) forgetIfIdle(session *broadcast.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.senders[session.ID]
	if !ok {
		return
	}
	st.mu.Lock()
	idle := len(st.pending) == 0
	st.mu.Unlock()
	if idle {
		delete(g.senders, session.ID)
	}
}

func (g *Gateway) pendingFor(id string) (int, bool) {
	g.mu.Lock()
	st, ok := g.senders[id]
	g.mu.Unlock()
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending), true
}
