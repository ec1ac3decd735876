// Package api assembles the HTTP router for the ConvoDeck backend.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/convodeck/convodeck/backend/internal/api/handlers"
	"github.com/convodeck/convodeck/backend/internal/api/middleware"
	"github.com/convodeck/convodeck/backend/internal/config"
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
	r.Use(middleware.WorkspaceExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Workspace", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth().Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
				r.Delete("/", h.DeleteAgent)
				r.Post("/invoke", h.Invoke)

				r.Route("/documents", func(r chi.Router) {
					r.Get("/", h.ListDocuments)
					r.Post("/", h.UploadDocument)
					r.Delete("/{docID}", h.DeleteDocument)
				})

				r.Route("/datasets", func(r chi.Router) {
					r.Get("/", h.ListDatasets)
					r.Post("/", h.UploadDataset)
					r.Get("/{name}/schema", h.DatasetSchema)
					r.Delete("/{name}", h.DeleteDataset)
				})

				r.Route("/integrations", func(r chi.Router) {
					r.Get("/", h.ListIntegrations)
					r.Post("/", h.CreateIntegration)
					r.Delete("/{integrationID}", h.DeleteIntegration)
				})

				r.Route("/keys", func(r chi.Router) {
					r.Get("/", h.ListAPIKeys)
					r.Post("/", h.CreateAPIKey)
					r.Delete("/{keyID}", h.DeleteAPIKey)
				})

				r.Get("/threads", h.ListThreads)
			})
		})

		r.Get("/threads/{threadID}/history", h.ThreadHistory)

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/overview", h.DashboardOverview)
			r.Get("/usage", h.DashboardUsage)
		})

		r.Route("/company", func(r chi.Router) {
			r.Get("/", h.GetCompany)
			r.Put("/", h.PutCompany)
		})
	})

	// Channel webhooks (public; providers cannot send auth headers)
	r.Post("/webhooks/telegram/{agentID}", h.TelegramWebhook)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "convodeck-backend",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "convodeck-backend",
		})
	}
}
