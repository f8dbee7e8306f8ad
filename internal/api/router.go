package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/mailwatch/internal/api/middleware"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Instrument(s.config.Verbose))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer)

	ingest := NewIngestHandler(s.gateway, s.config.MaxBodyBytes, s.config.MaxBatchSize)

	r.Route("/api/v1", func(r chi.Router) {
		// Per-node limits are enforced by the gateway after authentication.
		r.Post("/ingest", ingest.Ingest)

		r.Group(func(r chi.Router) {
			if s.config.HeartbeatPerMin > 0 {
				limiter := middleware.NewRateLimiter("heartbeat", s.config.HeartbeatPerMin, s.config.HeartbeatPerMin)
				r.Use(middleware.RateLimitByIP(limiter))
			}
			r.Post("/heartbeat", ingest.Heartbeat)
		})
	})

	// Health checks (public, no rate limit)
	r.Get("/health", s.healthHandler.Health)
	r.Get("/health/live", s.healthHandler.Live)
	r.Get("/health/ready", s.healthHandler.Ready)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrNotFound)
	})

	return r
}
