package respcache

import (
	"context"
	"errors"

	"github.com/buildplane/backend/models"
)

// ErrMiss signals that a tier has no live entry for the requested key
var ErrMiss = errors.New("respcache: miss")

// Tier is a single response cache backend. Implementations must be
// safe for concurrent use.
type Tier interface {
	// Get returns the stored value or ErrMiss. Any other error means
	// the tier itself failed.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores an entry until its ExpiresAt passes.
	Set(ctx context.Context, entry models.ResponseCacheEntry) error

	// Delete removes specific keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByTags removes every entry carrying any of the given tags.
	DeleteByTags(ctx context.Context, tags ...string) error

	// Ping reports whether the tier is reachable.
	Ping(ctx context.Context) error

	// Name identifies the tier in telemetry and response metadata.
	Name() models.CacheTier
}
