package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/buildplane/backend/app"
	"github.com/buildplane/backend/middleware"
	"github.com/buildplane/backend/utils"
	"go.uber.org/zap"
)

// AuthMetricsHandler returns the resilience monitor's 24h rollup plus
// cache telemetry, for operational dashboards
func AuthMetricsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteOK(w, map[string]interface{}{
			"auth":            deps.Monitor.Metrics(),
			"response_cache":  deps.ResponseCache.Snapshot(),
			"session_entries": deps.Sessions.Len(),
		})
	}
}

// AuthEventsHandler returns recent authentication events, newest first.
// The limit query parameter defaults to 50.
func AuthEventsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				_ = utils.WriteBadRequest(w, "limit must be a positive integer", nil)
				return
			}
			limit = parsed
		}
		_ = utils.WriteOK(w, deps.Monitor.RecentEvents(limit))
	}
}

// InvalidateCacheRequest is the body for cache invalidation calls
type InvalidateCacheRequest struct {
	Tags []string `json:"tags" validate:"required,min=1,dive,required"`
}

// InvalidateCacheHandler removes response cache entries by tag across
// both tiers
func InvalidateCacheHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InvalidateCacheRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			HandleValidationError(w, err, deps.Logger)
			return
		}

		deps.ResponseCache.Invalidate(r.Context(), req.Tags...)
		deps.Logger.Info("response cache invalidated",
			zap.Strings("tags", req.Tags))
		_ = utils.WriteOK(w, map[string]interface{}{"invalidated": req.Tags})
	}
}

// CurrentUserHandler returns the resolved caller
func CurrentUserHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx := requireAuthContext(w, r)
		if authCtx == nil {
			return
		}
		_ = utils.WriteOK(w, map[string]interface{}{
			"identity":    authCtx.Identity,
			"profile":     authCtx.Profile,
			"permissions": authCtx.Permissions,
		})
	}
}

// LogoutHandler drops the caller's session cache entry so the next
// request re-verifies
func LogoutHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx := requireAuthContext(w, r)
		if authCtx == nil {
			return
		}
		if token := middleware.ExtractBearerToken(r); token != "" {
			deps.Sessions.InvalidateToken(token)
		}
		deps.Logger.Info("session invalidated",
			zap.String("identity_id", authCtx.Identity.ID.String()))
		_ = utils.WriteOK(w, map[string]string{"status": "logged_out"})
	}
}
