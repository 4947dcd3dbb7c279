package respcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/buildplane/backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func autoConfig(ttl int, tags ...string) models.EndpointCacheConfig {
	return models.EndpointCacheConfig{
		TTLSeconds:   ttl,
		Strategy:     models.StrategyAuto,
		InvalidateOn: tags,
		Priority:     models.PriorityMedium,
	}
}

func newDualCache(t *testing.T, cooldown time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := New(NewRedisTier(client), NewMemoryTier(100), cooldown, zap.NewNop())
	return cache, mr
}

func staticCompute(value string) ComputeFunc {
	return func(ctx context.Context) ([]byte, error) {
		return []byte(value), nil
	}
}

func TestCache_MissComputesAndCaches(t *testing.T) {
	ctx := context.Background()
	cache, _ := newDualCache(t, time.Minute)

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("body"), nil
	}

	value, tier, err := cache.GetOrCompute(ctx, "k", autoConfig(60), compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), value)
	assert.Equal(t, models.TierNone, tier)

	// Second read is a fast tier hit, compute not called again
	value, tier, err = cache.GetOrCompute(ctx, "k", autoConfig(60), compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), value)
	assert.Equal(t, models.TierFast, tier)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_ComputeErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	cache, _ := newDualCache(t, time.Minute)
	boom := errors.New("upstream failed")

	_, _, err := cache.GetOrCompute(ctx, "k", autoConfig(60), func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	value, tier, err := cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("recovered"))
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), value)
	assert.Equal(t, models.TierNone, tier)
}

func TestCache_ConcurrentMissesShareOneCompute(t *testing.T) {
	ctx := context.Background()
	cache, _ := newDualCache(t, time.Minute)

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return []byte("shared"), nil
	}

	const callers = 15
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, _, err := cache.GetOrCompute(ctx, "hot-key", autoConfig(60), compute)
			assert.NoError(t, err)
			assert.Equal(t, []byte("shared"), value)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_FastTierFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	cache, mr := newDualCache(t, time.Minute)

	// Populate both tiers while healthy
	_, _, err := cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("v"))
	require.NoError(t, err)

	mr.SetError("connection refused")

	value, tier, err := cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("recomputed"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value, "fallback tier serves the cached value")
	assert.Equal(t, models.TierFallback, tier)

	stats := cache.Snapshot()
	assert.True(t, stats.FastDown)
	assert.Equal(t, uint64(1), stats.FallbackHits)

	// While benched, the fast tier is skipped entirely
	value, tier, err = cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("recomputed"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, models.TierFallback, tier)
	assert.Equal(t, uint64(1), cache.Snapshot().FastErrors, "no further fast tier calls while benched")
}

func TestCache_FastTierRecoversAfterProbe(t *testing.T) {
	ctx := context.Background()
	cache, mr := newDualCache(t, 20*time.Millisecond)

	_, _, err := cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("v"))
	require.NoError(t, err)

	mr.SetError("connection refused")
	_, _, err = cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("v"))
	require.NoError(t, err)
	require.True(t, cache.Snapshot().FastDown)

	mr.SetError("")
	time.Sleep(30 * time.Millisecond)

	require.Eventually(t, func() bool {
		// Reads past the cooldown trigger the background probe
		_, _, _ = cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("v"))
		return !cache.Snapshot().FastDown
	}, time.Second, 10*time.Millisecond, "probe restores the fast tier")

	_, tier, err := cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("v"))
	require.NoError(t, err)
	assert.Equal(t, models.TierFast, tier)
}

func TestCache_FallbackTierStrategySkipsRedis(t *testing.T) {
	ctx := context.Background()
	cache, mr := newDualCache(t, time.Minute)

	cfg := models.EndpointCacheConfig{
		TTLSeconds: 60,
		Strategy:   models.StrategyFallbackTier,
		Priority:   models.PriorityLow,
	}

	_, _, err := cache.GetOrCompute(ctx, "mem-only", cfg, staticCompute("v"))
	require.NoError(t, err)

	assert.False(t, mr.Exists(keyPrefix+"mem-only"))

	_, tier, err := cache.GetOrCompute(ctx, "mem-only", cfg, staticCompute("v"))
	require.NoError(t, err)
	assert.Equal(t, models.TierFallback, tier)
}

func TestCache_NoFastTierConfigured(t *testing.T) {
	ctx := context.Background()
	cache := New(nil, NewMemoryTier(10), time.Minute, zap.NewNop())

	_, _, err := cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("v"))
	require.NoError(t, err)

	_, tier, err := cache.GetOrCompute(ctx, "k", autoConfig(60), staticCompute("v"))
	require.NoError(t, err)
	assert.Equal(t, models.TierFallback, tier)
}

func TestCache_InvalidateRemovesFromBothTiers(t *testing.T) {
	ctx := context.Background()
	cache, _ := newDualCache(t, time.Minute)

	_, _, err := cache.GetOrCompute(ctx, "list", autoConfig(60, "projects"), staticCompute("v1"))
	require.NoError(t, err)

	cache.Invalidate(ctx, "projects")

	var calls int32
	value, tier, err := cache.GetOrCompute(ctx, "list", autoConfig(60, "projects"), func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
	assert.Equal(t, models.TierNone, tier)
	assert.Equal(t, int32(1), calls)
}

func TestCache_InvalidateSurvivesFastTierOutage(t *testing.T) {
	ctx := context.Background()
	cache, mr := newDualCache(t, time.Minute)

	_, _, err := cache.GetOrCompute(ctx, "list", autoConfig(60, "projects"), staticCompute("v1"))
	require.NoError(t, err)

	mr.SetError("connection refused")
	cache.Invalidate(ctx, "projects")

	// Fallback entry is gone even though the fast tier was unreachable
	_, tier, err := cache.GetOrCompute(ctx, "list", autoConfig(60, "projects"), staticCompute("v2"))
	require.NoError(t, err)
	assert.Equal(t, models.TierNone, tier)
}

func TestBuildKey(t *testing.T) {
	t.Run("params are order independent", func(t *testing.T) {
		a := BuildKey("/api/projects", "user-1", map[string]string{"status": "active", "page": "2"})
		b := BuildKey("/api/projects", "user-1", map[string]string{"page": "2", "status": "active"})
		assert.Equal(t, a, b)
	})

	t.Run("principal scopes the key", func(t *testing.T) {
		a := BuildKey("/api/projects", "user-1", nil)
		b := BuildKey("/api/projects", "user-2", nil)
		assert.NotEqual(t, a, b)
	})

	t.Run("no params", func(t *testing.T) {
		assert.Equal(t, "/api/projects|user-1", BuildKey("/api/projects", "user-1", nil))
	})
}
