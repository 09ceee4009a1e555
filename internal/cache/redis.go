// Package cache holds the Redis-backed helpers shared between replicas.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Claims marks webhook deliveries in flight with SET NX so concurrent replicas do not apply
// the same event twice. The durable dedup is the event table's unique index.
type Claims struct {
	client *redis.Client
	prefix string
}

func NewClaims(client *redis.Client) *Claims {
	return &Claims{client: client, prefix: "escrow:"}
}

func (c *Claims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (c *Claims) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
