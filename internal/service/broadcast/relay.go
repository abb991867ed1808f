package broadcast

import (
	"context"
	"time"

	"chat_relay/internal/model"
	redisSvc "chat_relay/internal/service/redis"
	"chat_relay/internal/utils/log"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const relayPublishTimeout = 2 * time.Second

type (
	relayMessage struct {
		Node   string       `cbor:"1,keyasint"`
		Origin string       `cbor:"2,keyasint"`
		Event  *model.Event `cbor:"3,keyasint"`
	}

	// Relay mirrors deliveries between gateway nodes over Redis pub/sub.
	// Publications leave in the order Publish was called.
	Relay struct {
		redis   *redisSvc.RedisService
		channel string
		node    string
		hub     *Hub
		out     chan relayMessage
	}
)

func NewRelay(r *redisSvc.RedisService, channel string, hub *Hub, buffer int) *Relay {
	return &Relay{
		redis:   r,
		channel: channel,
		node:    uuid.NewString(),
		hub:     hub,
		out:     make(chan relayMessage, buffer),
	}
}

func (r *Relay) Node() string { return r.node }

// Publish queues ev for other nodes without blocking local fan-out.
func (r *Relay) Publish(ev *model.Event, originID string) {
	select {
	case r.out <- relayMessage{Node: r.node, Origin: originID, Event: ev}:
	default:
		log.Warn("relay buffer full, event not mirrored", zap.String("sender", ev.Sender), zap.Uint64("seq", ev.Seq))
	}
}

// Run publishes queued events and delivers events from other nodes until
// ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.redis.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	go r.publishLoop(ctx)

	log.Info("broadcast relay subscribed", zap.String("channel", r.channel), zap.String("node", r.node))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.out:
			data, err := cbor.Marshal(&m)
			if err != nil {
				log.Error("marshal relay message failed", zap.Error(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			if err := r.redis.Publish(pctx, r.channel, data); err != nil {
				log.Error("relay publish failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (r *Relay) handle(payload []byte) {
	var m relayMessage
	if err := cbor.Unmarshal(payload, &m); err != nil {
		log.Error("unmarshal relay message failed", zap.Error(err))
		return
	}
	if m.Node == r.node || m.Event == nil {
		return
	}
	r.hub.DeliverLocal(m.Event, m.Origin)
}
