package middleware

import (
	"context"

	"github.com/buildplane/backend/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// AuthContextKey is the context key for the resolved auth context
	AuthContextKey contextKey = "auth_context"
)

// AuthContext is the resolved caller identity attached to every
// authenticated request. Treated as immutable once stored; downstream
// handlers read it, never mutate it.
type AuthContext struct {
	Identity    models.Identity
	Profile     models.Profile
	Permissions []string
	FromCache   bool
}

// HasPermission reports whether the caller holds the permission
func (a *AuthContext) HasPermission(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// GetAuthContext retrieves the auth context from the request context
func GetAuthContext(ctx context.Context) *AuthContext {
	if val := ctx.Value(AuthContextKey); val != nil {
		if authCtx, ok := val.(*AuthContext); ok {
			return authCtx
		}
	}
	return nil
}

// WithAuthContext attaches a resolved auth context
func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, authCtx)
}
