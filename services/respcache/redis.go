package respcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildplane/backend/models"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "respcache:"
	tagPrefix = "respcache:tag:"
)

// RedisTier is the fast tier, backed by a shared Redis instance. Tag
// membership is tracked in per-tag sets so invalidation can find every
// key an event touches.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier wraps an already-configured Redis client
func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

func (r *RedisTier) Name() models.CacheTier { return models.TierFast }

// Get retrieves a value, mapping redis.Nil onto ErrMiss
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Set stores an entry and registers it under each of its tags
func (r *RedisTier) Set(ctx context.Context, entry models.ResponseCacheEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+entry.Key, entry.Value, ttl)
	for _, tag := range entry.Tags {
		tagKey := tagPrefix + tag
		pipe.SAdd(ctx, tagKey, entry.Key)
		// Tag sets outlive their members slightly; stale members are
		// harmless because DeleteByTags tolerates missing keys.
		pipe.Expire(ctx, tagKey, ttl+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes specific keys
func (r *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteByTags removes every entry registered under any of the tags
func (r *RedisTier) DeleteByTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		tagKey := tagPrefix + tag
		members, err := r.client.SMembers(ctx, tagKey).Result()
		if err != nil {
			return fmt.Errorf("redis smembers %s: %w", tag, err)
		}
		if len(members) > 0 {
			if err := r.Delete(ctx, members...); err != nil {
				return err
			}
		}
		if err := r.client.Del(ctx, tagKey).Err(); err != nil {
			return fmt.Errorf("redis del tag %s: %w", tag, err)
		}
	}
	return nil
}

// Ping reports Redis reachability
func (r *RedisTier) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
