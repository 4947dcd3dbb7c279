package handlers

import (
	"net/http"

	"github.com/buildplane/backend/middleware"
	"github.com/buildplane/backend/utils"
	"github.com/google/uuid"
)

// requireAuthContext returns the resolved caller or writes a 401.
// Handlers behind RequireAuth always find one; this guards direct use.
func requireAuthContext(w http.ResponseWriter, r *http.Request) *middleware.AuthContext {
	authCtx := middleware.GetAuthContext(r.Context())
	if authCtx == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return nil
	}
	return authCtx
}

// queryUUID parses a required UUID query parameter, writing a 400 on
// failure
func queryUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		_ = utils.WriteBadRequest(w, "missing required parameter: "+name, nil)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		_ = utils.WriteBadRequest(w, "invalid "+name+": must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
