package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents the claims carried by an identity provider token
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"custom:role,omitempty"`
}

// DecodedExpiry is the typed result of decoding a token's expiry claim
type DecodedExpiry struct {
	ExpiresAt time.Time
	// Fallback is true when the claim could not be decoded and the
	// conservative default lifetime was substituted.
	Fallback bool
}

// PeekExpiry decodes the token's expiry claim without verifying the
// signature. Decode failures substitute now+fallback instead of propagating:
// the session cache must never fail a write because a token is malformed in
// ways the verifier already accepted or will reject on its own.
func PeekExpiry(tokenString string, fallback time.Duration) DecodedExpiry {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	claims := &Claims{}
	_, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil || claims.ExpiresAt == nil {
		return DecodedExpiry{ExpiresAt: time.Now().Add(fallback), Fallback: true}
	}

	return DecodedExpiry{ExpiresAt: claims.ExpiresAt.Time}
}

// PeekSubject decodes the token's sub claim without verifying the
// signature. Used to pick a circuit breaker partition before any
// backing-store call; tokens with no decodable subject share the nil
// partition.
func PeekSubject(tokenString string) (uuid.UUID, bool) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return uuid.Nil, false
	}
	id, err := claims.SubjectID()
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// SubjectID parses the sub claim as the identity UUID
func (c *Claims) SubjectID() (uuid.UUID, error) {
	if c.Subject == "" {
		return uuid.Nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid sub claim: %v", ErrTokenInvalid, err)
	}
	return id, nil
}
