package encclient

import (
	"context"
	"net"
	"time"

	"chat_relay/internal/metrics"
	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type (
	// Transport carries one encryption call across the service boundary.
	// Implementations return errors classified with the model sentinels.
	Transport interface {
		Encrypt(ctx context.Context, req model.EncryptionRequest) (*model.Envelope, error)
		Decrypt(ctx context.Context, env *model.Envelope, associatedData []byte) ([]byte, error)
	}

	Config struct {
		Name             string
		Timeout          time.Duration
		MaxRetries       int
		InitialBackoff   time.Duration
		MaxBackoff       time.Duration
		FailureThreshold uint32
		Cooldown         time.Duration
	}

	// Client wraps a Transport with a per-attempt timeout, bounded retries
	// for transient failures and a circuit breaker.
	Client struct {
		transport Transport
		cfg       Config
		breaker   *gobreaker.CircuitBreaker
	}
)

func DefaultConfig() Config {
	return Config{
		Name:             "encryption",
		Timeout:          2 * time.Second,
		MaxRetries:       3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       time.Second,
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
	}
}

func New(transport Transport, cfg Config) *Client {
	c := &Client{
		transport: transport,
		cfg:       cfg,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// A terminal answer proves the service is up.
		IsSuccessful: func(err error) bool {
			return err == nil || model.KindOf(err).Terminal()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("encryption breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))
	return c
}

func (c *Client) State() gobreaker.State { return c.breaker.State() }

// EncryptMessage returns a complete envelope or a classified error.
func (c *Client) EncryptMessage(ctx context.Context, plaintext, associatedData []byte) (*model.Envelope, error) {
	req := model.EncryptionRequest{Plaintext: plaintext, AssociatedData: associatedData}
	v, err := c.call(ctx, "encrypt", func(ctx context.Context) (interface{}, error) {
		env, err := c.transport.Encrypt(ctx, req)
		if err != nil {
			return nil, err
		}
		if !wellFormed(env) {
			return nil, errors.Wrap(model.ErrNetwork, "malformed envelope in response")
		}
		return env, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Envelope), nil
}

func (c *Client) DecryptMessage(ctx context.Context, env *model.Envelope, associatedData []byte) ([]byte, error) {
	v, err := c.call(ctx, "decrypt", func(ctx context.Context) (interface{}, error) {
		return c.transport.Decrypt(ctx, env, associatedData)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Client) call(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	b := backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries))
	b.Reset()

	for attempt := 1; ; attempt++ {
		v, err := c.attempt(ctx, fn)
		if err == nil {
			return v, nil
		}

		kind := model.KindOf(err)
		if kind.Terminal() || kind == model.KindServiceUnavailable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.Wrapf(model.ErrServiceUnavailable, "%s cancelled after %d attempts: %v", op, attempt, err)
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			log.Warn("giving up on encryption service",
				zap.String("op", op), zap.Int("attempts", attempt), zap.Error(err))
			return nil, errors.Wrapf(model.ErrServiceUnavailable, "%s gave up after %d attempts: %v", op, attempt, err)
		}

		metrics.ClientRetries.Inc()
		log.Debug("retrying encryption call",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))

		t := time.NewTimer(next)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrapf(model.ErrServiceUnavailable, "%s cancelled during backoff: %v", op, ctx.Err())
		}
	}
}

func (c *Client) attempt(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		v, err := fn(actx)
		return v, classify(err)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrap(model.ErrServiceUnavailable, err.Error())
	}
	return v, err
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}

// classify marks unclassified timeouts and socket errors as retryable.
func classify(err error) error {
	if err == nil || model.KindOf(err) != model.KindInternal {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return errors.Wrap(model.ErrNetwork, err.Error())
	}
	return err
}

func wellFormed(env *model.Envelope) bool {
	return env != nil && len(env.Nonce) == model.NonceSize && len(env.Tag) == model.TagSize
}
