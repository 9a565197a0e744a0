package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/voxhall/voxhall/internal/api/handlers"
	"github.com/voxhall/voxhall/internal/api/middleware"
	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/store"
)

// NewRouter creates the HTTP router with all admin API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, s store.Store) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.UserExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(s))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.ListServers)
			r.Post("/", h.RegisterServer)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", h.GetServer)
				r.Delete("/", h.DeleteServer)
				r.Post("/connect", h.ConnectServer)
				r.Post("/disconnect", h.DisconnectServer)
				r.Post("/sync", h.SyncServer)
				r.Get("/tools", h.ListServerTools)
			})
		})

		r.Route("/tools", func(r chi.Router) {
			r.Route("/{toolID}", func(r chi.Router) {
				r.Patch("/", h.SetToolEnabled)
				r.Get("/policies", h.ListToolPolicies)
				r.Post("/policies", h.CreateToolPolicy)
			})
		})

		r.Delete("/policies/{policyID}", h.DeletePolicy)

		r.Get("/session-tools", h.SessionTools)
		r.Get("/calls", h.ListCallLogs)
	})

	return r
}

func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := s.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "voxhall-backend",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "voxhall-backend",
		})
	}
}
