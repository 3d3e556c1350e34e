/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/attendance/*     Attendance ingest and listing
  /api/performance/*    Performance records (individual + bulk)
  /api/reports/*        Summaries
  /api/identity/*       Identity resolution preview
  /api/admin/*          Mirror audit
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus (path configurable)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the parts of the router that vary by deployment.
type RouterOptions struct {
	AllowedOrigins []string
	MetricsPath    string // empty disables the endpoint
}

// DefaultRouterOptions matches the local development frontend.
func DefaultRouterOptions() RouterOptions {
	return RouterOptions{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		MetricsPath:    "/metrics",
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/attendance", func(r chi.Router) {
			r.Get("/", h.ListAttendance)
			r.Post("/ingest", h.IngestAttendance)
		})

		r.Route("/performance", func(r chi.Router) {
			r.Get("/", h.ListPerformance)
			r.Post("/bulk", h.IngestBulk)
			r.Post("/sessions", h.AddSessions)
			r.Patch("/{id}", h.UpdatePerformance)
			r.Delete("/{id}", h.DeletePerformance)
		})

		r.Get("/reports/summary", h.Summary)
		r.Get("/identity/resolve", h.ResolveIdentity)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.TriggerAudit)
			r.Get("/audit/runs", h.ListAuditRuns)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
