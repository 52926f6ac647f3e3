package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/bcmsync/internal/metrics"
)

// NewRouter creates a new router with all routes configured. m may be nil,
// which disables /metrics and request instrumentation.
func NewRouter(h *Handler, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	if m != nil {
		r.Use(m.Middleware)
	}
	r.Use(RecoveryMiddleware)

	// Clearing the queue or a dead letter: burst of 10, then 1 per second
	destructive := NewRateLimiter(10, time.Second)

	if m != nil {
		r.Method("GET", "/metrics", m.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Post("/mutations", h.Enqueue)
			r.Get("/mutations", h.ListMutations)
			r.Get("/mutations/count", h.CountMutations)
			r.With(destructive.Middleware).Delete("/mutations", h.ClearMutations)

			r.Post("/sync", h.TriggerSync)

			r.Get("/dead-letters", h.ListDeadLetters)
			r.Get("/dead-letters/{id}", h.GetDeadLetter)
			r.With(destructive.Middleware).Delete("/dead-letters/{id}", h.DeleteDeadLetter)
		})
	})

	return r
}
