package respcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/buildplane/backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTier(t *testing.T) (*RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTier(client), mr
}

func TestRedisTier_GetSet(t *testing.T) {
	ctx := context.Background()
	tier, _ := newRedisTier(t)

	_, err := tier.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	entry := models.ResponseCacheEntry{
		Key:       "projects|user-1",
		Value:     []byte(`{"success":true}`),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, tier.Set(ctx, entry))

	got, err := tier.Get(ctx, "projects|user-1")
	require.NoError(t, err)
	assert.Equal(t, entry.Value, got)
}

func TestRedisTier_TTL(t *testing.T) {
	ctx := context.Background()
	tier, mr := newRedisTier(t)

	entry := models.ResponseCacheEntry{
		Key:       "short",
		Value:     []byte("v"),
		ExpiresAt: time.Now().Add(30 * time.Second),
	}
	require.NoError(t, tier.Set(ctx, entry))

	mr.FastForward(31 * time.Second)

	_, err := tier.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisTier_SetAlreadyExpired(t *testing.T) {
	ctx := context.Background()
	tier, _ := newRedisTier(t)

	entry := models.ResponseCacheEntry{
		Key:       "stale",
		Value:     []byte("v"),
		ExpiresAt: time.Now().Add(-time.Second),
	}
	require.NoError(t, tier.Set(ctx, entry))

	_, err := tier.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrMiss, "expired entries are never written")
}

func TestRedisTier_DeleteByTags(t *testing.T) {
	ctx := context.Background()
	tier, _ := newRedisTier(t)

	set := func(key string, tags ...string) {
		require.NoError(t, tier.Set(ctx, models.ResponseCacheEntry{
			Key:       key,
			Value:     []byte("v"),
			Tags:      tags,
			ExpiresAt: time.Now().Add(time.Minute),
		}))
	}
	set("po-list", "purchase_orders")
	set("po-detail", "purchase_orders", "dashboard")
	set("doc-list", "documents")

	require.NoError(t, tier.DeleteByTags(ctx, "purchase_orders"))

	_, err := tier.Get(ctx, "po-list")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = tier.Get(ctx, "po-detail")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = tier.Get(ctx, "doc-list")
	assert.NoError(t, err)

	// A second invalidation of the same tag is a no-op
	require.NoError(t, tier.DeleteByTags(ctx, "purchase_orders"))
}

func TestRedisTier_Ping(t *testing.T) {
	ctx := context.Background()
	tier, mr := newRedisTier(t)

	assert.NoError(t, tier.Ping(ctx))

	mr.SetError("connection refused")
	assert.Error(t, tier.Ping(ctx))
}
