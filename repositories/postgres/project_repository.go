package postgres

import (
	"context"
	"fmt"

	"github.com/buildplane/backend/models"
	"github.com/buildplane/backend/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProjectReadRepository implements repositories.ProjectReadRepository with
// plain read queries. Business mutations happen outside this core.
type ProjectReadRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewProjectReadRepository creates a new project read repository
func NewProjectReadRepository(db *DB, logger *zap.Logger) repositories.ProjectReadRepository {
	return &ProjectReadRepository{
		db:     db,
		logger: logger,
	}
}

// ListProjects lists all projects visible to a company
func (r *ProjectReadRepository) ListProjects(ctx context.Context, companyID uuid.UUID) ([]*models.Project, error) {
	query := `
		SELECT id, name, status, company_id, created_at
		FROM projects
		WHERE company_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p := &models.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CompanyID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

// ListScopeItems lists the scope items of a project
func (r *ProjectReadRepository) ListScopeItems(ctx context.Context, projectID uuid.UUID) ([]*models.ScopeItem, error) {
	query := `
		SELECT id, project_id, title, trade, status
		FROM scope_items
		WHERE project_id = $1
		ORDER BY title
	`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope items: %w", err)
	}
	defer rows.Close()

	var items []*models.ScopeItem
	for rows.Next() {
		s := &models.ScopeItem{}
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Title, &s.Trade, &s.Status); err != nil {
			return nil, fmt.Errorf("failed to scan scope item: %w", err)
		}
		items = append(items, s)
	}

	return items, rows.Err()
}

// ListPurchaseOrders lists the purchase orders of a project
func (r *ProjectReadRepository) ListPurchaseOrders(ctx context.Context, projectID uuid.UUID) ([]*models.PurchaseOrder, error) {
	query := `
		SELECT id, project_id, vendor, total, status
		FROM purchase_orders
		WHERE project_id = $1
		ORDER BY vendor
	`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchase orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.PurchaseOrder
	for rows.Next() {
		o := &models.PurchaseOrder{}
		if err := rows.Scan(&o.ID, &o.ProjectID, &o.Vendor, &o.Total, &o.Status); err != nil {
			return nil, fmt.Errorf("failed to scan purchase order: %w", err)
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// ListDocuments lists document metadata for a project
func (r *ProjectReadRepository) ListDocuments(ctx context.Context, projectID uuid.UUID) ([]*models.Document, error) {
	query := `
		SELECT id, project_id, file_name, category, uploaded_at
		FROM documents
		WHERE project_id = $1
		ORDER BY uploaded_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		d := &models.Document{}
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.FileName, &d.Category, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}

	return docs, rows.Err()
}
