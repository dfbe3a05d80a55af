package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tabletalk/tabletalk/control-plane/internal/api/handlers"
	"github.com/tabletalk/tabletalk/control-plane/internal/api/middleware"
	"github.com/tabletalk/tabletalk/control-plane/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-Id", "X-Venue-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Action pipeline
		r.Post("/actions", h.SubmitAction)

		// Confirmation proposals
		r.Route("/proposals/{proposalId}", func(r chi.Router) {
			r.Get("/", h.GetProposal)
			r.Post("/confirm", h.ConfirmProposal)
		})

		// Sessions
		r.Get("/sessions/{sessionId}", h.GetSession)

		// Policy catalog
		r.Get("/tools", h.ListTools)

		// Rate limit rules
		r.Route("/limits", func(r chi.Router) {
			r.Get("/", h.ListLimits)
			r.Put("/{actionClass}", h.PutLimit)
		})

		// Research allowlist
		r.Post("/research/allowlist", h.AddAllowlistURL)

		// Audit & incidents
		r.Get("/audit/export", h.ExportAudit)
		r.Get("/incidents", h.ListIncidents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "tabletalk-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "tabletalk-control-plane",
		})
	}
}
