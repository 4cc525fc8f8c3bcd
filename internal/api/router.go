package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentoven/agentwatch/internal/api/handlers"
	"github.com/agentoven/agentwatch/internal/api/middleware"
	"github.com/agentoven/agentwatch/internal/config"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, db Pinger) http.Handler {
	r := chi.NewRouter()
	admin := middleware.NewAdminKeyAuth(cfg.Auth.AdminKeys)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & info
	r.Get("/health", healthHandler(db))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/register", h.RegisterAgent)
			r.Route("/{agentId}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Get("/activity", h.ListActivity)

				// Calls made by the agent itself carry its secret.
				r.Group(func(r chi.Router) {
					r.Use(middleware.AgentKey)
					r.Post("/heartbeat", h.Heartbeat)
					r.Post("/tasks", h.CreateTask)
				})
			})
		})

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/agent-trends", h.AgentTrends)
			r.With(admin.Middleware).Post("/agent-trends", h.RecordTrend)
		})

		r.Get("/activity/stream", h.ActivityStream)

		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.Middleware)
			r.Post("/sweep", h.Sweep)
		})
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		if err := db.Ping(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "agentwatch",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentwatch",
		})
	}
}
