// Package cache wraps Redis behind a small interface so callers (and tests)
// never depend on go-redis directly.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a namespaced string cache. A miss is not an error: Get returns
// ok=false and callers fall through to the source of truth.
type Cache interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Key(operation, id string) string
}

type redisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache connects to Redis at addr; namespace prefixes every key so
// multiple services can share one instance.
func NewRedisCache(addr, namespace string) Cache {
	return &redisCache{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		namespace: namespace,
	}
}

func (r *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

func (r *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	return value, true, nil
}

func (r *redisCache) Key(operation, id string) string {
	return fmt.Sprintf("%s:%s:%s", r.namespace, operation, id)
}
