package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// KV adapts a Redis client to the key/value shape the turnover cache
// expects. A missing key is reported as ok=false, not an error.
type KV struct {
	client *redis.Client
}

func NewKV(client *redis.Client) *KV {
	return &KV{client: client}
}

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := k.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("platform/cache: get %s: %w", key, err)
	}
	return value, true, nil
}

func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := k.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: set %s: %w", key, err)
	}
	return nil
}

// SetNX writes without expiry: generation keys must outlive the value
// entries they version.
func (k *KV) SetNX(ctx context.Context, key, value string) (bool, error) {
	set, err := k.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("platform/cache: setnx %s: %w", key, err)
	}
	return set, nil
}

func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	value, err := k.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("platform/cache: incr %s: %w", key, err)
	}
	return value, nil
}
