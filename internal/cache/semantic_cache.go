package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/memtierd/memtierd/internal/memory"
)

// QueryFunc is a SemanticStore-shaped query method: the thing SemanticCache
// wraps with a read-through cache.
type QueryFunc func(ctx context.Context, coll, text string, n int) ([]memory.QueriedMemory, error)

// SemanticCache sits in front of a SemanticStore's Query, keyed on
// (collection, n, text). It is the concrete home for the Redis `Manager`
// above: query results for an unchanged STM/LTM collection are cheap to
// reuse for the TTL window, trading a little staleness for avoiding a
// repeated embedding/scan pass on a hot collection.
type SemanticCache struct {
	mgr    *Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewSemanticCache wraps mgr. ttl <= 0 uses the Manager's own default TTL.
func NewSemanticCache(mgr *Manager, ttl time.Duration, logger *zap.Logger) *SemanticCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl < 0 {
		ttl = 0
	}
	return &SemanticCache{mgr: mgr, ttl: ttl, logger: logger.With(zap.String("component", "semantic_cache"))}
}

func cacheKey(coll, text string, n int) string {
	return fmt.Sprintf("query:%s:%d:%s", coll, n, text)
}

// Query returns the cached result for (coll, text, n) if present, otherwise
// calls fallback, caches its result, and returns it. A cache error other
// than a miss is logged and treated as a miss, never surfaced to the
// caller: a cold cache must never make a query fail.
func (c *SemanticCache) Query(ctx context.Context, coll, text string, n int, fallback QueryFunc) ([]memory.QueriedMemory, error) {
	key := cacheKey(coll, text, n)

	var cached []memory.QueriedMemory
	err := c.mgr.GetJSON(ctx, key, &cached)
	switch {
	case err == nil:
		return cached, nil
	case IsCacheMiss(err):
	default:
		c.logger.Warn("cache read failed, falling back to store", zap.String("key", key), zap.Error(err))
	}

	out, err := fallback(ctx, coll, text, n)
	if err != nil {
		return nil, err
	}

	if err := c.mgr.SetJSON(ctx, key, out, c.ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return out, nil
}

// Invalidate drops the cached result for (coll, text, n); used nowhere yet
// but kept for callers that want precise invalidation over waiting out the
// TTL.
func (c *SemanticCache) Invalidate(ctx context.Context, coll, text string, n int) error {
	return c.mgr.Delete(ctx, cacheKey(coll, text, n))
}
