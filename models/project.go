package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is a thin read model for the sample business endpoints.
// Full project lifecycle lives in the business layer, not in this core.
type Project struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CompanyID uuid.UUID `json:"company_id" db:"company_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ScopeItem is a single line of a project's scope of work
type ScopeItem struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`
	Title     string    `json:"title" db:"title"`
	Trade     string    `json:"trade" db:"trade"`
	Status    string    `json:"status" db:"status"`
}

// PurchaseOrder is a thin read model for purchasing endpoints
type PurchaseOrder struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`
	Vendor    string    `json:"vendor" db:"vendor"`
	Total     float64   `json:"total" db:"total"`
	Status    string    `json:"status" db:"status"`
}

// Document is a thin read model for document metadata endpoints
type Document struct {
	ID         uuid.UUID `json:"id" db:"id"`
	ProjectID  uuid.UUID `json:"project_id" db:"project_id"`
	FileName   string    `json:"file_name" db:"file_name"`
	Category   string    `json:"category" db:"category"`
	UploadedAt time.Time `json:"uploaded_at" db:"uploaded_at"`
}
