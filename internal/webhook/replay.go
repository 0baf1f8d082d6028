package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayStore remembers webhook bodies that have already been delivered.
// Forget releases a key so a redelivery of the same body is processed again
// after a failed attempt.
type ReplayStore interface {
	FirstDelivery(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// RedisReplay implements ReplayStore with SetNX. A repeated body within the
// TTL is acknowledged without touching the intent service.
type RedisReplay struct {
	R   *redis.Client
	TTL time.Duration
}

func (s RedisReplay) FirstDelivery(ctx context.Context, key string) (bool, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.R.SetNX(ctx, key, "1", ttl).Result()
}

func (s RedisReplay) Forget(ctx context.Context, key string) error {
	return s.R.Del(ctx, key).Err()
}
