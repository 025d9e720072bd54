package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores processed Stripe event ids in Redis so every instance
// skips deliveries another instance already handled.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(eventID string) string {
	return "orba:stripe-event:" + eventID
}

// Add records the id if it is not already present and reports whether it was newly added.
func (r *RedisDeduper) Add(ctx context.Context, eventID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(eventID), 1, r.ttl).Result()
}

// Remove forgets an id so a failed event can be processed again on retry.
func (r *RedisDeduper) Remove(ctx context.Context, eventID string) error {
	return r.client.Del(ctx, r.key(eventID)).Err()
}
