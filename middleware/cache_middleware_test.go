package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildplane/backend/auth"
	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/models"
	"github.com/buildplane/backend/services/respcache"
	"github.com/buildplane/backend/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCacheFixture(t *testing.T) *CacheMiddleware {
	t.Helper()

	rulesPath := filepath.Join(t.TempDir(), "cache_rules.yaml")
	rulesYAML := `/api/projects:
  ttl: 60
  strategy: fallback-tier
  invalidate_on: [projects]
  priority: HIGH
/api/dashboard:
  ttl: 30
  strategy: fallback-tier
  invalidate_on: [dashboard]
  priority: CRITICAL
`
	require.NoError(t, os.WriteFile(rulesPath, []byte(rulesYAML), 0o644))
	rules, err := config.LoadCacheRules(rulesPath, zap.NewNop())
	require.NoError(t, err)

	cache := respcache.New(nil, respcache.NewMemoryTier(100), time.Minute, zap.NewNop())
	return NewCacheMiddleware(cache, rules, zap.NewNop())
}

func cachedGet(t *testing.T, cm *CacheMiddleware, path string, principal uuid.UUID, next http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	ctx := WithAuthContext(req.Context(), &AuthContext{
		Identity: models.Identity{ID: principal, Role: models.RoleViewer},
	})
	rec := httptest.NewRecorder()
	cm.Handler(next).ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestCacheMiddleware_ServesFromCache(t *testing.T) {
	cm := newCacheFixture(t)
	principal := uuid.New()

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = utils.WriteOK(w, map[string]string{"projects": "all"})
	})

	rec := cachedGet(t, cm, "/api/projects", principal, next)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	rec = cachedGet(t, cm, "/api/projects", principal, next)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second request never reaches the handler")
	assert.JSONEq(t, `{"success":true,"data":{"projects":"all"}}`, rec.Body.String())
}

func TestCacheMiddleware_PrincipalScopesEntries(t *testing.T) {
	cm := newCacheFixture(t)

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = utils.WriteOK(w, "data")
	})

	cachedGet(t, cm, "/api/projects", uuid.New(), next)
	cachedGet(t, cm, "/api/projects", uuid.New(), next)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls),
		"different principals never share cache entries")
}

func TestCacheMiddleware_QueryParamsScopeEntries(t *testing.T) {
	cm := newCacheFixture(t)
	principal := uuid.New()

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = utils.WriteOK(w, r.URL.RawQuery)
	})

	cachedGet(t, cm, "/api/projects?status=active", principal, next)
	cachedGet(t, cm, "/api/projects?status=archived", principal, next)
	cachedGet(t, cm, "/api/projects?status=active", principal, next)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheMiddleware_UnlistedEndpointPassesThrough(t *testing.T) {
	cm := newCacheFixture(t)
	principal := uuid.New()

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = utils.WriteOK(w, "fresh")
	})

	cachedGet(t, cm, "/api/uncached", principal, next)
	cachedGet(t, cm, "/api/uncached", principal, next)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheMiddleware_NonGETPassesThrough(t *testing.T) {
	cm := newCacheFixture(t)

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = utils.WriteCreated(w, "created")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/projects", nil)
	rec := httptest.NewRecorder()
	cm.Handler(next).ServeHTTP(rec, req)
	req = httptest.NewRequest(http.MethodPost, "/api/projects", nil)
	rec = httptest.NewRecorder()
	cm.Handler(next).ServeHTTP(rec, req)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Empty(t, rec.Header().Get("X-Cache"))
}

func TestCacheMiddleware_PermissionCheckedBeforeCacheHit(t *testing.T) {
	cm := newCacheFixture(t)
	principal := uuid.New()

	table := auth.NewTable(map[string][]string{
		"viewer": {"projects:read"},
	})
	am := NewAuthMiddleware(nil, nil, nil, nil, table, zap.NewNop())

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = utils.WriteOK(w, "projects")
	})
	// Permission middleware before the cache, the composition the router uses
	chain := am.RequirePermission("projects:read")(cm.Handler(next))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
		ctx := WithAuthContext(req.Context(), &AuthContext{
			Identity:    models.Identity{ID: principal, Role: models.RoleViewer},
			Permissions: table.PermissionsFor(models.RoleViewer),
		})
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req.WithContext(ctx))
		return rec
	}

	rec := do()
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Role downgrade: the permission is revoked, the warm cache entry
	// must not keep serving this principal
	table.Replace(auth.NewTable(map[string][]string{"viewer": {}}))

	rec = do()
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "the handler stays unreached after revocation")
}

func TestCacheMiddleware_ErrorResponsesAreNotCached(t *testing.T) {
	cm := newCacheFixture(t)
	principal := uuid.New()

	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			_ = utils.WriteInternalServerError(w, "upstream down")
			return
		}
		_ = utils.WriteOK(w, "recovered")
	})

	rec := cachedGet(t, cm, "/api/projects", principal, next)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "business errors propagate unmodified")

	rec = cachedGet(t, cm, "/api/projects", principal, next)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "the failure was not cached")
}
