// Package cache wraps Redis with namespaced keys.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss signals the key is not cached.
var ErrMiss = errors.New("cache: miss")

type Cache struct {
	client redis.UniversalClient
}

// NewClient connects to a single Redis node.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// GetJSON decodes the cached value into dst.
func (c *Cache) GetJSON(ctx context.Context, namespace, key string, dst any) error {
	raw, err := c.client.Get(ctx, namespace+":"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("cache: get %s:%s: %w", namespace, key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("cache: decode %s:%s: %w", namespace, key, err)
	}
	return nil
}

func (c *Cache) SetJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s:%s: %w", namespace, key, err)
	}
	return c.client.Set(ctx, namespace+":"+key, raw, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, namespace string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = namespace + ":" + k
	}
	return c.client.Del(ctx, full...).Err()
}

// IncrWithExpire bumps a counter and starts its window on first use.
func (c *Cache) IncrWithExpire(ctx context.Context, namespace, key string, window time.Duration) (int64, error) {
	countKey := namespace + ":" + key

	cnt, err := c.client.Incr(ctx, countKey).Result()
	if err != nil {
		return 0, err
	}
	if cnt == 1 {
		_ = c.client.Expire(ctx, countKey, window).Err()
	}
	return cnt, nil
}

// Blocked returns the remaining block time, zero when not blocked.
func (c *Cache) Blocked(ctx context.Context, namespace, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, namespace+":"+key+":blocked").Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (c *Cache) Block(ctx context.Context, namespace, key string, d time.Duration) error {
	return c.client.Set(ctx, namespace+":"+key+":blocked", "1", d).Err()
}
