package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EncryptionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_encryption_operations_total",
			Help: "Encrypt and decrypt calls handled by the encryption service, by result kind",
		},
		[]string{"op", "result"},
	)
	ClientRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_encryption_client_retries_total",
			Help: "Retried encryption calls after a transient failure",
		},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_relay_encryption_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
	MessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_received_total",
			Help: "Chat messages accepted by the gateway",
		},
	)
	MessagesBroadcast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_broadcast_total",
			Help: "Encrypted messages handed to fan-out",
		},
	)
	MessagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_rejected_total",
			Help: "Messages rejected back to their sender, by error kind",
		},
		[]string{"kind"},
	)
	MessagesDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_discarded_total",
			Help: "Encrypted messages dropped because the sender disconnected",
		},
	)
	DeliveriesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_deliveries_dropped_total",
			Help: "Per-session deliveries dropped by fan-out",
		},
		[]string{"reason"},
	)
	Sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_relay_sessions",
			Help: "Sessions in the broadcast registry",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EncryptionOps,
		ClientRetries,
		BreakerState,
		MessagesReceived,
		MessagesBroadcast,
		MessagesRejected,
		MessagesDiscarded,
		DeliveriesDropped,
		Sessions,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
