package repositories

import (
	"context"
	"errors"

	"github.com/buildplane/backend/models"
	"github.com/google/uuid"
)

// ErrProfileNotFound is returned when no profile row exists for an identity
var ErrProfileNotFound = errors.New("profile not found")

// ProfileRepository loads the role-scoped profile backing an identity.
// The credential verifier is its only caller on the request path.
type ProfileRepository interface {
	// GetByIdentityID retrieves the profile for an identity.
	// Returns ErrProfileNotFound when no row exists.
	GetByIdentityID(ctx context.Context, identityID uuid.UUID) (*models.Profile, error)

	// Touch records the last successful authentication time for a profile
	Touch(ctx context.Context, identityID uuid.UUID) error
}

// ProjectReadRepository serves the thin business read endpoints. The full
// business CRUD layer lives outside this core.
type ProjectReadRepository interface {
	ListProjects(ctx context.Context, companyID uuid.UUID) ([]*models.Project, error)
	ListScopeItems(ctx context.Context, projectID uuid.UUID) ([]*models.ScopeItem, error)
	ListPurchaseOrders(ctx context.Context, projectID uuid.UUID) ([]*models.PurchaseOrder, error)
	ListDocuments(ctx context.Context, projectID uuid.UUID) ([]*models.Document, error)
}
