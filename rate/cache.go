package rate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"shopexpress/cache"
	"shopexpress/metrics"
)

const cacheNamespace = "rates"

// Cache is the subset of *cache.Cache used for bracket lists.
type Cache interface {
	GetJSON(ctx context.Context, namespace, key string, dst any) error
	SetJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, namespace string, keys ...string) error
}

// CachedSource serves bracket lists from Redis, falling back to the
// repository on a miss or any cache failure.
type CachedSource struct {
	source BracketSource
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedSource(source BracketSource, c Cache, ttl time.Duration, logger *zap.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedSource{source: source, cache: c, ttl: ttl, logger: logger}
}

func (s *CachedSource) List(ctx context.Context, t Type) ([]Rate, error) {
	var cached []Rate
	err := s.cache.GetJSON(ctx, cacheNamespace, string(t), &cached)
	switch {
	case err == nil:
		metrics.RateCacheHits.WithLabelValues("hit").Inc()
		return cached, nil
	case errors.Is(err, cache.ErrMiss):
		metrics.RateCacheHits.WithLabelValues("miss").Inc()
	default:
		metrics.RateCacheHits.WithLabelValues("error").Inc()
	}

	rates, err := s.source.List(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, cacheNamespace, string(t), rates, s.ttl); err != nil {
		s.logger.Warn("cache rate brackets", zap.String("type", string(t)), zap.Error(err))
	}
	return rates, nil
}

// Invalidate drops the cached lists of the given types.
func (s *CachedSource) Invalidate(ctx context.Context, types ...Type) error {
	keys := make([]string, len(types))
	for i, t := range types {
		keys[i] = string(t)
	}
	return s.cache.Delete(ctx, cacheNamespace, keys...)
}
