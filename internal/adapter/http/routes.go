package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Krau5e/CrowdGate/internal/middleware"
)

// NewRouter builds the service router with the standard middleware chain.
// tracing is optional; pass the otel HTTP middleware when tracing is enabled.
func NewRouter(h *Handlers, tracing func(http.Handler) http.Handler, corsOrigin string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(SecurityHeaders)
	if corsOrigin != "" {
		r.Use(CORS(corsOrigin))
	}
	if tracing != nil {
		r.Use(tracing)
	}
	MountRoutes(r, h)
	return r
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Platforms
		r.Get("/platforms", h.ListPlatforms)
		r.Get("/platforms/{name}/worker", h.IdentifyWorker)

		// Experiment lifecycle
		r.Post("/experiments", h.PublishExperiment)
		r.Put("/experiments/{id}", h.UpdateExperiment)
		r.Post("/experiments/{id}/stop", h.StopExperiment)
		r.Post("/experiments/{id}/creative-stop", h.CreativeStopExperiment)

		// Experiment state
		r.Get("/experiments/{id}", h.GetExperimentState)
		r.Get("/experiments/{id}/associations", h.ListAssociations)
		r.Get("/experiments/{id}/task-url", h.TaskURL)

		// Payments
		r.Post("/experiments/{id}/payments", h.PayExperiment)
	})
}
