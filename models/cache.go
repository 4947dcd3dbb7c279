package models

import (
	"time"
)

// CacheStrategy selects which response-cache tier serves an endpoint
type CacheStrategy string

const (
	StrategyFastTier     CacheStrategy = "fast-tier"
	StrategyFallbackTier CacheStrategy = "fallback-tier"
	StrategyAuto         CacheStrategy = "auto"
)

// CachePriority orders endpoints for eviction and warming decisions
type CachePriority string

const (
	PriorityCritical CachePriority = "CRITICAL"
	PriorityHigh     CachePriority = "HIGH"
	PriorityMedium   CachePriority = "MEDIUM"
	PriorityLow      CachePriority = "LOW"
)

// EndpointCacheConfig is one row of the declarative cache configuration
// table, keyed by endpoint path. Loaded at startup, hot-reloadable.
type EndpointCacheConfig struct {
	TTLSeconds   int           `yaml:"ttl" validate:"required,gt=0"`
	Strategy     CacheStrategy `yaml:"strategy" validate:"required,oneof=fast-tier fallback-tier auto"`
	InvalidateOn []string      `yaml:"invalidate_on"`
	Priority     CachePriority `yaml:"priority" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
}

// TTL returns the configured time-to-live as a duration
func (c EndpointCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CacheTier identifies which tier served a response cache entry
type CacheTier string

const (
	TierFast     CacheTier = "fast"
	TierFallback CacheTier = "fallback"
	TierNone     CacheTier = "none"
)

// ResponseCacheEntry is a computed endpoint result stored in a cache tier
type ResponseCacheEntry struct {
	Key        string        `json:"key"`
	Value      []byte        `json:"value"`
	Tags       []string      `json:"tags,omitempty"`
	ExpiresAt  time.Time     `json:"expires_at"`
	SourceTier CacheTier     `json:"source_tier"`
	Priority   CachePriority `json:"priority,omitempty"`
}
