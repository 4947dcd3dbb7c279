package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/buildplane/backend/auth"
	"github.com/buildplane/backend/identity"
	"github.com/buildplane/backend/services/resilience"
	"github.com/buildplane/backend/services/session"
	"github.com/buildplane/backend/utils"
	"go.uber.org/zap"
)

// CredentialVerifier validates a bearer token against the identity
// provider and loads the caller's profile
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Result, error)
}

// AuthMiddleware resolves the caller for every protected request:
// session cache first, verifier on miss, with the circuit breaker and
// the resilience monitor wrapped around every backing-store call.
type AuthMiddleware struct {
	sessions *session.Cache
	verifier CredentialVerifier
	breaker  *resilience.Breaker
	monitor  *resilience.Monitor
	table    *auth.Table
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(
	sessions *session.Cache,
	verifier CredentialVerifier,
	breaker *resilience.Breaker,
	monitor *resilience.Monitor,
	table *auth.Table,
	logger *zap.Logger,
) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
		verifier: verifier,
		breaker:  breaker,
		monitor:  monitor,
		table:    table,
		logger:   logger,
	}
}

// RequireAuth resolves the bearer token into an AuthContext or rejects
// the request with a structured envelope
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := chimw.GetReqID(ctx)

		token := ExtractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing bearer token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Authentication required")
			return
		}

		if entry := m.sessions.Get(token); entry != nil {
			if m.sessions.NeedsRefresh(token) {
				go m.refreshInBackground(token, requestID)
			}
			authCtx := m.buildAuthContext(entry, true)
			m.logger.Debug("session cache hit",
				zap.String("request_id", requestID),
				zap.String("identity_id", entry.Identity.ID.String()))
			next.ServeHTTP(w, r.WithContext(WithAuthContext(ctx, authCtx)))
			return
		}

		// Breaker partition is chosen from the unverified subject so an
		// open circuit rejects before any backing-store call.
		subject, _ := identity.PeekSubject(token)
		if ok, retryAfter := m.breaker.Allow(subject); !ok {
			m.logger.Warn("circuit open, rejecting verification",
				zap.String("request_id", requestID),
				zap.String("identity_id", subject.String()),
				zap.Duration("retry_after", retryAfter))
			_ = utils.WriteServiceUnavailable(w,
				"Authentication temporarily unavailable", retryAfterSeconds(retryAfter))
			return
		}

		// Failures are recorded inside the flight function so that waiters
		// coalesced onto one verification count it as one failure, not N.
		entry, err := m.sessions.Refresh(ctx, token, func(ctx context.Context, tok string) (*identity.Result, error) {
			result, verifyErr := m.verifier.Verify(ctx, tok)
			if verifyErr != nil && !errors.Is(verifyErr, context.Canceled) {
				m.recordFailure(subject, verifyErr, requestID)
			}
			return result, verifyErr
		})
		if err != nil {
			m.rejectVerification(w, requestID, err)
			return
		}

		m.breaker.RecordSuccess(entry.Identity.ID)
		m.monitor.RecordSuccess(entry.Identity.ID, requestID)

		authCtx := m.buildAuthContext(entry, false)
		m.logger.Debug("verification succeeded",
			zap.String("request_id", requestID),
			zap.String("identity_id", entry.Identity.ID.String()),
			zap.String("role", string(entry.Identity.Role)))
		next.ServeHTTP(w, r.WithContext(WithAuthContext(ctx, authCtx)))
	})
}

// RequirePermission rejects callers whose role does not hold the
// permission. Must run after RequireAuth.
func (m *AuthMiddleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := chimw.GetReqID(ctx)

			authCtx := GetAuthContext(ctx)
			if authCtx == nil {
				m.logger.Error("auth context missing, RequirePermission before RequireAuth",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			if !authCtx.HasPermission(permission) {
				m.logger.Warn("permission denied",
					zap.String("request_id", requestID),
					zap.String("identity_id", authCtx.Identity.ID.String()),
					zap.String("role", string(authCtx.Identity.Role)),
					zap.String("permission", permission))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// buildAuthContext snapshots the resolved caller for downstream handlers
func (m *AuthMiddleware) buildAuthContext(entry *session.Entry, fromCache bool) *AuthContext {
	authCtx := &AuthContext{
		Identity:    entry.Identity,
		Permissions: m.table.PermissionsFor(entry.Identity.Role),
		FromCache:   fromCache,
	}
	if entry.Profile != nil {
		authCtx.Profile = *entry.Profile
	}
	return authCtx
}

// recordFailure feeds a verification failure to the breaker and the
// monitor. Profile lookup failures bypass the loop detector because the
// credential itself was accepted.
func (m *AuthMiddleware) recordFailure(subject uuid.UUID, err error, requestID string) {
	if errors.Is(err, identity.ErrProfileNotFound) {
		m.monitor.RecordProfileError(subject, err, requestID)
		m.breaker.RecordFailure(subject)
		return
	}
	m.monitor.RecordFailure(subject, err, requestID)
	m.breaker.RecordFailure(subject)
}

// rejectVerification maps verifier errors onto the response taxonomy
func (m *AuthMiddleware) rejectVerification(w http.ResponseWriter, requestID string, err error) {
	m.logger.Warn("verification failed",
		zap.String("request_id", requestID),
		zap.Error(err))

	switch {
	case errors.Is(err, identity.ErrTokenExpired):
		_ = utils.WriteUnauthorized(w, "Token expired")
	case errors.Is(err, identity.ErrTokenInvalid), errors.Is(err, identity.ErrTokenMissing):
		_ = utils.WriteUnauthorized(w, "Invalid token")
	case errors.Is(err, identity.ErrProfileNotFound):
		_ = utils.WriteUnauthorized(w, "No profile for this account")
	case errors.Is(err, identity.ErrAccountInactive):
		_ = utils.WriteUnauthorized(w, "Account is deactivated")
	case errors.Is(err, identity.ErrBackingStoreUnavailable):
		_ = utils.WriteServiceUnavailable(w, "Authentication temporarily unavailable", 0)
	default:
		_ = utils.WriteInternalServerError(w, "Authentication failed")
	}
}

// refreshInBackground re-verifies a token nearing expiry off the
// request path
func (m *AuthMiddleware) refreshInBackground(token, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := m.sessions.Refresh(ctx, token, m.verifier.Verify)
	if err != nil {
		m.logger.Warn("proactive session refresh failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		return
	}
	m.monitor.RecordRefresh(entry.Identity.ID, requestID)
}

// retryAfterSeconds rounds a cooldown up to whole seconds for the
// Retry-After header
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// ExtractBearerToken extracts the bearer token from the Authorization
// header. Scheme matching is case-insensitive and whitespace-tolerant;
// every component that reads the credential goes through this one helper.
func ExtractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
