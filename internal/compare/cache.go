package compare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/metrics"
)

// cacheTTL bounds how long a memoized comparison lives. Scans are
// immutable, so the TTL is about memory pressure, not staleness.
const cacheTTL = 24 * time.Hour

// Comparer computes run comparisons. Both Engine and CachedEngine
// satisfy it.
type Comparer interface {
	Compare(ctx context.Context, baseScanID, compareScanID string) (RunComparison, error)
}

// CachedEngine memoizes comparison results in redis. Cache failures
// degrade to recomputation; they never fail a request.
type CachedEngine struct {
	inner  Comparer
	client redis.UniversalClient
	log    *zap.Logger
}

// NewCachedEngine wraps a comparer with a redis cache.
func NewCachedEngine(inner Comparer, client redis.UniversalClient, log *zap.Logger) *CachedEngine {
	if log == nil {
		log = zap.NewNop()
	}
	metrics.Init()
	return &CachedEngine{inner: inner, client: client, log: log.Named("compare.cache")}
}

func cacheKey(baseScanID, compareScanID string) string {
	return fmt.Sprintf("compare:%s:%s", baseScanID, compareScanID)
}

// Compare serves from cache when possible and memoizes on miss.
func (c *CachedEngine) Compare(ctx context.Context, baseScanID, compareScanID string) (RunComparison, error) {
	key := cacheKey(baseScanID, compareScanID)

	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var result RunComparison
		if err := json.Unmarshal(cached, &result); err == nil {
			metrics.ObserveComparison("hit")
			return result, nil
		}
		c.log.Warn("discarding undecodable cache entry", zap.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	result, err := c.inner.Compare(ctx, baseScanID, compareScanID)
	if err != nil {
		return RunComparison{}, err
	}
	metrics.ObserveComparison("miss")

	payload, err := json.Marshal(result)
	if err != nil {
		return result, nil
	}
	if err := c.client.Set(ctx, key, payload, cacheTTL).Err(); err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}
