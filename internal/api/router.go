package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jeriewang/crh-botnet/internal/api/middleware"
	"github.com/jeriewang/crh-botnet/internal/handlers"
	"github.com/jeriewang/crh-botnet/internal/store"
)

// NewRouter creates and configures the relay's HTTP router.
func NewRouter(logger zerolog.Logger, s store.Store) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.RequireJSON)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - robots call from anywhere on the lab network
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(s)
	auth := middleware.NewAuthMiddleware(s)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no session required)
	r.Get("/health", h.Health)
	r.Post("/api/connect", h.Connect)

	// Session-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireSession)

		r.Post("/api/disconnect", h.Disconnect)
		r.Get("/api/poll", h.Poll)
		r.Put("/api/send", h.Send)
	})

	return r
}
