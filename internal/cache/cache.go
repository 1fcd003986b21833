// Package cache provides the read-through / write-invalidate cache in front
// of the order and inventory read paths. The cache is never authoritative:
// any store error is treated as a miss and answered from the source.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys follow the "<kind>:<id>" convention shared by all services.
func OrderKey(orderID string) string       { return "order:" + orderID }
func InventoryKey(productID string) string { return "inventory:" + productID }

// Store is the key-value surface the services depend on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Redis backs Store with a redis client.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// ReadThrough answers from the cache when possible and falls back to load,
// populating the entry on the way out. Cache errors degrade to the loader;
// a failed Set is ignored since the next read will simply miss again.
func ReadThrough(ctx context.Context, s Store, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if b, ok, err := s.Get(ctx, key); err == nil && ok {
		return b, nil
	}
	b, err := load(ctx)
	if err != nil {
		return nil, err
	}
	_ = s.Set(ctx, key, b, ttl)
	return b, nil
}
