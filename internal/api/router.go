// Package api provides the HTTP shell over the pipeline's public API.
package api

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/veridata/fact-extract/internal/api/handlers"
	"github.com/veridata/fact-extract/internal/api/middleware"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Version        string
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins: []string{"*"},
		RequestTimeout: 5 * time.Minute, // submissions wait on LLM calls
		Version:        "dev",
	}
}

// NewRouter creates and configures a Chi router over the pipeline service.
func NewRouter(svc handlers.FactService, logger *slog.Logger, config RouterConfig) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(chimiddleware.Timeout(config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", handlers.HealthCheck(config.Version))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", handlers.SubmitDocument(svc))
		r.Delete("/documents/{name}", handlers.PurgeDocument(svc))
		r.Get("/facts", handlers.ListFacts(svc))
		r.Patch("/facts/{id}", handlers.UpdateFact(svc))
		r.Get("/search", handlers.SearchFacts(svc))
		r.Get("/stats", handlers.GetStats(svc))
	})

	return r
}
