package main

import (
	"context"
	"strings"
	"time"
)

const loginNamespace = "login"

// loginLimiter throttles failed logins per email and client address.
type loginLimiter interface {
	Blocked(ctx context.Context, key string) (time.Duration, error)
	Failed(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// counterStore is the part of *cache.Cache the limiter needs.
type counterStore interface {
	IncrWithExpire(ctx context.Context, namespace, key string, window time.Duration) (int64, error)
	Blocked(ctx context.Context, namespace, key string) (time.Duration, error)
	Block(ctx context.Context, namespace, key string, d time.Duration) error
	Delete(ctx context.Context, namespace string, keys ...string) error
}

type redisLimiter struct {
	store       counterStore
	maxAttempts int64
	window      time.Duration
}

func newRedisLimiter(store counterStore, maxAttempts int, window time.Duration) *redisLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &redisLimiter{store: store, maxAttempts: int64(maxAttempts), window: window}
}

func (l *redisLimiter) Blocked(ctx context.Context, key string) (time.Duration, error) {
	return l.store.Blocked(ctx, loginNamespace, key)
}

// Failed counts one failure and blocks the key for a window once the
// attempts in the current window reach the limit.
func (l *redisLimiter) Failed(ctx context.Context, key string) error {
	n, err := l.store.IncrWithExpire(ctx, loginNamespace, key, l.window)
	if err != nil {
		return err
	}
	if n >= l.maxAttempts {
		return l.store.Block(ctx, loginNamespace, key, l.window)
	}
	return nil
}

func (l *redisLimiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, loginNamespace, key, key+":blocked")
}

func loginKey(email, ip string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "|" + ip
}
