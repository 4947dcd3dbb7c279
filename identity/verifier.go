package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/models"
	"github.com/buildplane/backend/repositories"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// HTTPDoer executes outbound HTTP requests. The retrying transport satisfies
// this, so JWKS fetches pick up the retry/timeout policy of the caller.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// JWKS represents the JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Result is a fully populated identity and profile pair
type Result struct {
	Identity models.Identity
	Profile  *models.Profile
	// TokenExpiresAt is the verified expiry of the presented token
	TokenExpiresAt time.Time
}

// Verifier validates bearer tokens against the identity provider and loads
// the associated profile. It is the only component permitted to contact the
// provider's verification surface.
type Verifier struct {
	issuer   string
	audience string
	jwksURL  string

	serviceKey string
	httpClient HTTPDoer
	profiles   repositories.ProfileRepository
	logger     *zap.Logger

	jwksCache    *JWKS
	jwksCacheExp time.Time
	jwksCacheTTL time.Duration
	cacheMu      sync.RWMutex

	keyCache   map[string]*rsa.PublicKey
	keyCacheMu sync.RWMutex
}

// NewVerifier creates a credential verifier
func NewVerifier(cfg config.IdentityProviderConfig, profiles repositories.ProfileRepository, httpClient HTTPDoer, logger *zap.Logger) *Verifier {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = cfg.BaseURL
	}
	jwksCacheTTL := cfg.JWKSCacheTTL
	if jwksCacheTTL == 0 {
		jwksCacheTTL = 1 * time.Hour
	}
	if httpClient == nil {
		timeout := cfg.HTTPTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Verifier{
		issuer:       issuer,
		audience:     cfg.Audience,
		jwksURL:      strings.TrimSuffix(cfg.BaseURL, "/") + "/.well-known/jwks.json",
		serviceKey:   cfg.ServiceKey,
		httpClient:   httpClient,
		profiles:     profiles,
		logger:       logger,
		jwksCacheTTL: jwksCacheTTL,
		keyCache:     make(map[string]*rsa.PublicKey),
	}
}

// Verify validates a bearer token and returns the identity and profile it
// resolves to. Stateless apart from the outbound calls.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Result, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		publicKey, err := v.getPublicKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}

		return publicKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, fmt.Errorf("%w: %v", ErrBackingStoreUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, claims.Issuer)
	}
	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	identityID, err := claims.SubjectID()
	if err != nil {
		return nil, err
	}

	profile, err := v.profiles.GetByIdentityID(ctx, identityID)
	if err != nil {
		if errors.Is(err, repositories.ErrProfileNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackingStoreUnavailable, err)
	}

	if !profile.IsActive {
		return nil, ErrAccountInactive
	}

	// Best effort: the last-authenticated stamp never fails a verification
	if err := v.profiles.Touch(ctx, identityID); err != nil {
		v.logger.Debug("profile touch failed",
			zap.String("identity_id", identityID.String()),
			zap.Error(err))
	}

	var tokenExpiresAt time.Time
	if claims.ExpiresAt != nil {
		tokenExpiresAt = claims.ExpiresAt.Time
	}

	v.logger.Debug("credential verified",
		zap.String("identity_id", identityID.String()),
		zap.String("role", string(profile.Role)))

	return &Result{
		Identity: models.Identity{
			ID:       identityID,
			Email:    claims.Email,
			Role:     profile.Role,
			IsActive: profile.IsActive,
		},
		Profile:        profile,
		TokenExpiresAt: tokenExpiresAt,
	}, nil
}

// FetchJWKS fetches the provider's key set, caching it for the configured TTL
func (v *Verifier) FetchJWKS(ctx context.Context) (*JWKS, error) {
	v.cacheMu.RLock()
	if v.jwksCache != nil && time.Now().Before(v.jwksCacheExp) {
		defer v.cacheMu.RUnlock()
		return v.jwksCache, nil
	}
	v.cacheMu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if v.serviceKey != "" {
		req.Header.Set("X-Service-Key", v.serviceKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.cacheMu.Lock()
	v.jwksCache = &jwks
	v.jwksCacheExp = time.Now().Add(v.jwksCacheTTL)
	v.cacheMu.Unlock()

	return &jwks, nil
}

// getPublicKey retrieves the public key for a given kid
func (v *Verifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.keyCacheMu.RLock()
	if key, exists := v.keyCache[kid]; exists {
		v.keyCacheMu.RUnlock()
		return key, nil
	}
	v.keyCacheMu.RUnlock()

	jwks, err := v.FetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	var jwk *JWK
	for i := range jwks.Keys {
		if jwks.Keys[i].Kid == kid {
			jwk = &jwks.Keys[i]
			break
		}
	}

	if jwk == nil {
		return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
	}

	publicKey, err := jwkToRSAPublicKey(jwk)
	if err != nil {
		return nil, fmt.Errorf("failed to convert JWK to RSA public key: %w", err)
	}

	v.keyCacheMu.Lock()
	v.keyCache[kid] = publicKey
	v.keyCacheMu.Unlock()

	return publicKey, nil
}

// jwkToRSAPublicKey converts a JWK to an RSA public key
func jwkToRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)

	var e int
	for _, b := range eBytes {
		e = e*256 + int(b)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

// containsAudience checks if the audience list contains the expected value
func containsAudience(audiences jwt.ClaimStrings, audience string) bool {
	for _, aud := range audiences {
		if aud == audience {
			return true
		}
	}
	return false
}

// InvalidateKeyCache drops cached JWKS material, forcing a refetch
func (v *Verifier) InvalidateKeyCache() {
	v.cacheMu.Lock()
	v.jwksCache = nil
	v.jwksCacheExp = time.Time{}
	v.cacheMu.Unlock()

	v.keyCacheMu.Lock()
	v.keyCache = make(map[string]*rsa.PublicKey)
	v.keyCacheMu.Unlock()
}
