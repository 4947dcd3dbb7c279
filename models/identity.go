package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a user within a project organization
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleProjectManager    Role = "project_manager"
	RoleSiteSupervisor    Role = "site_supervisor"
	RolePurchasingOfficer Role = "purchasing_officer"
	RoleViewer            Role = "viewer"
)

// Identity represents an authenticated principal resolved from a bearer token.
// Immutable once loaded for a request; refreshed only by re-verification.
type Identity struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Email    string    `json:"email" db:"email"`
	Role     Role      `json:"role" db:"role"`
	IsActive bool      `json:"is_active" db:"is_active"`
}

// Profile holds the role-scoped attributes used for permission evaluation.
// 1:1 with Identity.
type Profile struct {
	IdentityID  uuid.UUID `json:"identity_id" db:"identity_id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Role        Role      `json:"role" db:"role"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CompanyID   uuid.UUID `json:"company_id" db:"company_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Profile model
func (Profile) TableName() string {
	return "profiles"
}

// IsAdmin returns true if the profile has admin role
func (p *Profile) IsAdmin() bool {
	return p.Role == RoleAdmin
}
