package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildplane/backend/models"
	"github.com/buildplane/backend/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProfileRepository implements repositories.ProfileRepository
type ProfileRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *DB, logger *zap.Logger) repositories.ProfileRepository {
	return &ProfileRepository{
		db:     db,
		logger: logger,
	}
}

// GetByIdentityID retrieves the profile for an identity
func (r *ProfileRepository) GetByIdentityID(ctx context.Context, identityID uuid.UUID) (*models.Profile, error) {
	query := `
		SELECT identity_id, display_name, role, is_active, company_id, created_at, updated_at
		FROM profiles
		WHERE identity_id = $1
	`

	profile := &models.Profile{}
	err := r.db.QueryRowContext(ctx, query, identityID).Scan(
		&profile.IdentityID,
		&profile.DisplayName,
		&profile.Role,
		&profile.IsActive,
		&profile.CompanyID,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return profile, nil
}

// Touch records the last successful authentication time for a profile
func (r *ProfileRepository) Touch(ctx context.Context, identityID uuid.UUID) error {
	query := `
		UPDATE profiles
		SET updated_at = CURRENT_TIMESTAMP
		WHERE identity_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, identityID)
	if err != nil {
		return fmt.Errorf("failed to touch profile: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repositories.ErrProfileNotFound
	}

	r.logger.Debug("profile touched", zap.String("identity_id", identityID.String()))
	return nil
}
