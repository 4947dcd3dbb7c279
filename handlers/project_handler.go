package handlers

import (
	"net/http"

	"github.com/buildplane/backend/app"
	"github.com/buildplane/backend/utils"
)

// ListProjectsHandler lists the projects of the caller's company
func ListProjectsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx := requireAuthContext(w, r)
		if authCtx == nil {
			return
		}

		projects, err := deps.Projects.ListProjects(r.Context(), authCtx.Profile.CompanyID)
		if err != nil {
			HandleRepositoryError(w, err, deps.Logger)
			return
		}
		_ = utils.WriteOK(w, projects)
	}
}

// ListScopeItemsHandler lists the scope of work for a project
func ListScopeItemsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireAuthContext(w, r) == nil {
			return
		}
		projectID, ok := queryUUID(w, r, "project_id")
		if !ok {
			return
		}

		items, err := deps.Projects.ListScopeItems(r.Context(), projectID)
		if err != nil {
			HandleRepositoryError(w, err, deps.Logger)
			return
		}
		_ = utils.WriteOK(w, items)
	}
}

// ListPurchaseOrdersHandler lists the purchase orders for a project
func ListPurchaseOrdersHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireAuthContext(w, r) == nil {
			return
		}
		projectID, ok := queryUUID(w, r, "project_id")
		if !ok {
			return
		}

		orders, err := deps.Projects.ListPurchaseOrders(r.Context(), projectID)
		if err != nil {
			HandleRepositoryError(w, err, deps.Logger)
			return
		}
		_ = utils.WriteOK(w, orders)
	}
}

// ListDocumentsHandler lists document metadata for a project
func ListDocumentsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireAuthContext(w, r) == nil {
			return
		}
		projectID, ok := queryUUID(w, r, "project_id")
		if !ok {
			return
		}

		docs, err := deps.Projects.ListDocuments(r.Context(), projectID)
		if err != nil {
			HandleRepositoryError(w, err, deps.Logger)
			return
		}
		_ = utils.WriteOK(w, docs)
	}
}

// DashboardHandler returns a per-company summary used by the landing
// dashboard. A cacheable aggregate: the cache rules table keeps its TTL
// short.
func DashboardHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx := requireAuthContext(w, r)
		if authCtx == nil {
			return
		}

		projects, err := deps.Projects.ListProjects(r.Context(), authCtx.Profile.CompanyID)
		if err != nil {
			HandleRepositoryError(w, err, deps.Logger)
			return
		}

		byStatus := make(map[string]int)
		for _, project := range projects {
			byStatus[project.Status]++
		}
		_ = utils.WriteOK(w, map[string]interface{}{
			"total_projects":     len(projects),
			"projects_by_status": byStatus,
			"role":               authCtx.Identity.Role,
		})
	}
}
