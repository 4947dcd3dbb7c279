package respcache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildplane/backend/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// probeTimeout bounds the background reachability check on the fast tier
const probeTimeout = 2 * time.Second

// ComputeFunc produces the response body on a cache miss
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache layers a fast tier over an always-available fallback tier.
// When the fast tier fails it is benched for a cooldown and reads are
// served from the fallback tier; a background probe brings it back.
type Cache struct {
	fast     Tier // nil when no fast tier is configured
	fallback Tier
	cooldown time.Duration
	logger   *zap.Logger
	group    singleflight.Group

	mu        sync.Mutex
	fastDown  bool
	downUntil time.Time
	probing   bool

	fastHits     uint64
	fallbackHits uint64
	misses       uint64
	fastErrors   uint64
}

// Stats is a point-in-time telemetry snapshot
type Stats struct {
	FastHits     uint64 `json:"fast_hits"`
	FallbackHits uint64 `json:"fallback_hits"`
	Misses       uint64 `json:"misses"`
	FastErrors   uint64 `json:"fast_errors"`
	FastDown     bool   `json:"fast_down"`
}

// New creates a Cache. fast may be nil, in which case every read and
// write goes to the fallback tier regardless of endpoint strategy.
func New(fast Tier, fallback Tier, cooldown time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		fast:     fast,
		fallback: fallback,
		cooldown: cooldown,
		logger:   logger,
	}
}

// BuildKey derives a cache key from the endpoint, the acting principal
// and the canonicalized query parameters. Principal scoping keeps one
// user's cached view from leaking to another.
func BuildKey(endpoint, principal string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('|')
	b.WriteString(principal)

	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteByte('|')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(params[name])
		}
	}
	return b.String()
}

// GetOrCompute serves key from the configured tiers, invoking compute
// on a miss and storing the result. Concurrent misses for the same key
// share one compute call. The returned tier names where the value came
// from; TierNone means it was computed this call.
func (c *Cache) GetOrCompute(ctx context.Context, key string, cfg models.EndpointCacheConfig, compute ComputeFunc) ([]byte, models.CacheTier, error) {
	if value, tier, ok := c.lookup(ctx, key, cfg.Strategy); ok {
		return value, tier, nil
	}

	atomic.AddUint64(&c.misses, 1)

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have populated the tiers while this one
		// waited on the flight.
		if value, _, ok := c.lookup(ctx, key, cfg.Strategy); ok {
			return value, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ctx, models.ResponseCacheEntry{
			Key:       key,
			Value:     value,
			Tags:      cfg.InvalidateOn,
			ExpiresAt: time.Now().Add(cfg.TTL()),
			Priority:  cfg.Priority,
		}, cfg.Strategy)
		return value, nil
	})
	if err != nil {
		return nil, models.TierNone, err
	}
	return result.([]byte), models.TierNone, nil
}

// Invalidate removes every entry tagged with any of the given tags from
// all tiers. A failing tier is logged and skipped so the others still
// converge.
func (c *Cache) Invalidate(ctx context.Context, tags ...string) {
	if len(tags) == 0 {
		return
	}
	if c.fast != nil {
		if err := c.fast.DeleteByTags(ctx, tags...); err != nil {
			atomic.AddUint64(&c.fastErrors, 1)
			c.logger.Warn("fast tier invalidation failed",
				zap.Strings("tags", tags),
				zap.Error(err))
			c.benchFast()
		}
	}
	if err := c.fallback.DeleteByTags(ctx, tags...); err != nil {
		c.logger.Warn("fallback tier invalidation failed",
			zap.Strings("tags", tags),
			zap.Error(err))
	}
}

// Snapshot returns current telemetry counters
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	down := c.fastDown
	c.mu.Unlock()

	return Stats{
		FastHits:     atomic.LoadUint64(&c.fastHits),
		FallbackHits: atomic.LoadUint64(&c.fallbackHits),
		Misses:       atomic.LoadUint64(&c.misses),
		FastErrors:   atomic.LoadUint64(&c.fastErrors),
		FastDown:     down,
	}
}

// lookup tries the tiers the strategy allows, in order
func (c *Cache) lookup(ctx context.Context, key string, strategy models.CacheStrategy) ([]byte, models.CacheTier, bool) {
	if c.useFast(strategy) {
		value, err := c.fast.Get(ctx, key)
		switch {
		case err == nil:
			atomic.AddUint64(&c.fastHits, 1)
			return value, models.TierFast, true
		case errors.Is(err, ErrMiss):
			// fall through to the fallback tier
		default:
			atomic.AddUint64(&c.fastErrors, 1)
			c.logger.Warn("fast tier read failed", zap.Error(err))
			c.benchFast()
		}
	}

	if c.useFallback(strategy) {
		value, err := c.fallback.Get(ctx, key)
		if err == nil {
			atomic.AddUint64(&c.fallbackHits, 1)
			return value, models.TierFallback, true
		}
	}
	return nil, models.TierNone, false
}

// store writes the entry to every tier the strategy allows
func (c *Cache) store(ctx context.Context, entry models.ResponseCacheEntry, strategy models.CacheStrategy) {
	if c.useFast(strategy) {
		if err := c.fast.Set(ctx, entry); err != nil {
			atomic.AddUint64(&c.fastErrors, 1)
			c.logger.Warn("fast tier write failed",
				zap.String("key", entry.Key),
				zap.Error(err))
			c.benchFast()
		}
	}
	if c.useFallback(strategy) {
		if err := c.fallback.Set(ctx, entry); err != nil {
			c.logger.Warn("fallback tier write failed",
				zap.String("key", entry.Key),
				zap.Error(err))
		}
	}
}

// useFast reports whether the fast tier should be consulted right now
func (c *Cache) useFast(strategy models.CacheStrategy) bool {
	if c.fast == nil || strategy == models.StrategyFallbackTier {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fastDown {
		return true
	}
	if time.Now().After(c.downUntil) && !c.probing {
		c.probing = true
		go c.probeFast()
	}
	// Benched fast tier never blocks a request
	return false
}

func (c *Cache) useFallback(strategy models.CacheStrategy) bool {
	if c.fast == nil {
		return true
	}
	return strategy != models.StrategyFastTier
}

// benchFast puts the fast tier on cooldown after a failure
func (c *Cache) benchFast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fastDown {
		c.logger.Warn("benching fast cache tier",
			zap.Duration("cooldown", c.cooldown))
	}
	c.fastDown = true
	c.downUntil = time.Now().Add(c.cooldown)
}

// probeFast checks reachability off the request path and restores the
// fast tier on success
func (c *Cache) probeFast() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	err := c.fast.Ping(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = false
	if err != nil {
		c.downUntil = time.Now().Add(c.cooldown)
		return
	}
	c.fastDown = false
	c.logger.Info("fast cache tier restored")
}
