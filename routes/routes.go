package routes

import (
	"net/http"
	"time"

	"github.com/buildplane/backend/app"
	"github.com/buildplane/backend/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID", "X-Cache", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck(deps))
	r.Get("/readyz", handlers.ReadinessCheck(deps))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/status", handlers.StatusHandler(deps))

		// Session endpoints
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Get("/me", handlers.CurrentUserHandler(deps))
			r.Post("/logout", handlers.LogoutHandler(deps))
		})

		// Business read endpoints, cached per the rules table. The cache
		// runs after the permission check so a hit never bypasses it.
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)

			r.With(deps.AuthMiddleware.RequirePermission("projects:read"), deps.CacheMiddleware.Handler).
				Get("/projects", handlers.ListProjectsHandler(deps))
			r.With(deps.AuthMiddleware.RequirePermission("scope_items:read"), deps.CacheMiddleware.Handler).
				Get("/scope-items", handlers.ListScopeItemsHandler(deps))
			r.With(deps.AuthMiddleware.RequirePermission("purchase_orders:read"), deps.CacheMiddleware.Handler).
				Get("/purchase-orders", handlers.ListPurchaseOrdersHandler(deps))
			r.With(deps.AuthMiddleware.RequirePermission("documents:read"), deps.CacheMiddleware.Handler).
				Get("/documents", handlers.ListDocumentsHandler(deps))
			r.With(deps.AuthMiddleware.RequirePermission("dashboard:read"), deps.CacheMiddleware.Handler).
				Get("/dashboard", handlers.DashboardHandler(deps))
		})

		// Operational endpoints (require admin role)
		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequirePermission("admin:ops"))
			r.Get("/auth/metrics", handlers.AuthMetricsHandler(deps))
			r.Get("/auth/events", handlers.AuthEventsHandler(deps))
			r.Post("/cache/invalidate", handlers.InvalidateCacheHandler(deps))
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	return r
}
