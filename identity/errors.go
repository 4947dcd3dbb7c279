package identity

import "errors"

var (
	// ErrTokenMissing is returned when no bearer token is presented
	ErrTokenMissing = errors.New("token missing")

	// ErrTokenInvalid is returned when the identity provider rejects the token
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrProfileNotFound is returned when a structurally valid token has no
	// profile row behind it
	ErrProfileNotFound = errors.New("profile not found")

	// ErrAccountInactive is returned when the profile's active flag is false
	ErrAccountInactive = errors.New("account inactive")

	// ErrBackingStoreUnavailable is returned when the identity provider or
	// profile store cannot be reached
	ErrBackingStoreUnavailable = errors.New("backing store unavailable")

	// ErrJWKSFetchFailed is returned when JWKS fetching fails
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")
)
