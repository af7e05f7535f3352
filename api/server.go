/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. RealIP:     Client address from proxy headers
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus counters labelled by route pattern
  6. CORS:       Cross-origin requests for the admin frontend

  The whole router is wrapped by otelhttp so every request gets a span
  that the payroll package's spans attach to.

ROUTE GROUPS:
  /healthz                        Liveness + store ping
  /metrics                        Prometheus scrape endpoint
  /api/scenarios                  Demo scenario catalogue
  /api/tenants/{tenant}/*         Tenant-scoped payroll API

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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/warp/payroll-engine/metrics"
)

// RouterConfig holds router options.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/scenarios", h.ListScenarios)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			// Concept routes
			r.Route("/concepts", func(r chi.Router) {
				r.Get("/", h.ListConcepts)
				r.Post("/", h.CreateConcept)
				r.Get("/{id}", h.GetConcept)
				r.Put("/{id}", h.UpdateConcept)
			})

			// Structure routes
			r.Route("/structures", func(r chi.Router) {
				r.Get("/", h.ListStructures)
				r.Post("/", h.CreateStructure)
				r.Get("/suggestions", h.SuggestStructures)
				r.Post("/import", h.ImportBundle)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetStructure)
					r.Put("/", h.UpdateStructure)
					r.Delete("/", h.DeleteStructure)
					r.Post("/versions", h.CreateVersion)
					r.Post("/activate", h.ActivateStructure)
					r.Post("/deactivate", h.DeactivateStructure)
					r.Post("/preview", h.PreviewStructure)
					r.Get("/references", h.CheckReferences)
					r.Get("/export", h.ExportStructure)

					// Rule routes
					r.Get("/rules", h.ListRules)
					r.Post("/rules", h.CreateRule)
					r.Put("/rules/{ruleId}", h.UpdateRule)
					r.Delete("/rules/{ruleId}", h.DeleteRule)
				})
			})

			r.Post("/runs", h.ComputeRun)
			r.Get("/audit", h.QueryAudit)
			r.Post("/scenarios/{scenario}", h.LoadScenario)
		})
	})

	return r
}

// NewHTTPHandler wraps the router with OpenTelemetry instrumentation.
func NewHTTPHandler(h *Handler, cfg RouterConfig) http.Handler {
	return otelhttp.NewHandler(NewRouter(h, cfg), "payroll-api")
}
