package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Publish(ctx context.Context, channel string, message any) error {
	return r.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe returns a subscription that has been confirmed by the server.
func (r *RedisService) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	sub := r.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
