package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/models"
	"github.com/buildplane/backend/services/respcache"
	"github.com/buildplane/backend/utils"
	"go.uber.org/zap"
)

// CacheMiddleware serves GET responses from the dual-tier response
// cache for endpoints listed in the cache rules table. Endpoints
// without a rule pass through untouched.
type CacheMiddleware struct {
	cache  *respcache.Cache
	rules  *config.CacheRules
	logger *zap.Logger
}

// NewCacheMiddleware creates a new CacheMiddleware
func NewCacheMiddleware(cache *respcache.Cache, rules *config.CacheRules, logger *zap.Logger) *CacheMiddleware {
	return &CacheMiddleware{
		cache:  cache,
		rules:  rules,
		logger: logger,
	}
}

// uncacheable carries a non-200 downstream response out of the compute
// callback so it reaches the client without being stored
type uncacheable struct {
	status int
	header http.Header
	body   []byte
}

func (u *uncacheable) Error() string { return "response not cacheable" }

// Handler wraps downstream GET handlers with cache lookup and store
func (cm *CacheMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		rule, ok := cm.rules.Get(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		authCtx := GetAuthContext(r.Context())
		principal := "anonymous"
		if authCtx != nil {
			principal = authCtx.Identity.ID.String()
		}

		params := make(map[string]string)
		for name, values := range r.URL.Query() {
			if len(values) > 0 {
				params[name] = values[0]
			}
		}
		key := respcache.BuildKey(r.URL.Path, principal, params)
		requestID := chimw.GetReqID(r.Context())

		body, tier, err := cm.cache.GetOrCompute(r.Context(), key, rule, func(ctx context.Context) ([]byte, error) {
			rec := newCaptureWriter()
			next.ServeHTTP(rec, r.WithContext(ctx))
			if rec.status != http.StatusOK {
				return nil, &uncacheable{status: rec.status, header: rec.Header(), body: rec.body.Bytes()}
			}
			return rec.body.Bytes(), nil
		})
		if err != nil {
			var skip *uncacheable
			if errors.As(err, &skip) {
				copyHeader(w.Header(), skip.header)
				w.WriteHeader(skip.status)
				_, _ = w.Write(skip.body)
				return
			}
			cm.logger.Error("cached endpoint failed",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			_ = utils.WriteInternalServerError(w, "Request failed")
			return
		}

		cm.logger.Debug("response cache lookup",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.String("tier", string(tier)))

		w.Header().Set("X-Cache", cacheHeader(tier))
		_ = utils.WriteRawJSON(w, http.StatusOK, body)
	})
}

func cacheHeader(tier models.CacheTier) string {
	if tier == models.TierNone {
		return "MISS"
	}
	// A fallback-tier hit is still a hit
	return "HIT"
}

// captureWriter buffers a downstream response instead of writing it
type captureWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) { c.status = status }

func (c *captureWriter) Write(p []byte) (int, error) { return c.body.Write(p) }

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
