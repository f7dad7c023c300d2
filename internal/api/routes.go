package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/{id}", h.GetRun)
			r.With(EntityMiddleware).Post("/sync/{entity}", h.TriggerSync)
			r.With(EntityMiddleware).Post("/snapshot/{entity}", h.TriggerSnapshot)
		})
	})

	return r
}
