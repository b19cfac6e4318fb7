package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/api"
)

// NewRouter returns the admin HTTP API for app.
func NewRouter(app *App, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(api.RequestLogger(logger))
	r.Use(api.ValidateContentType)
	r.Use(api.LimitBody)

	jobH := api.NewJobHandler(app.Manager)
	queueH := api.NewQueueHandler(app.Manager)
	deadLetterH := api.NewDeadLetterHandler(app.Pool)
	systemH := api.NewSystemHandler(app.Pool, app.Manager, app.Config.Transport)

	r.Get("/health", systemH.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", queueH.List)
		r.Get("/schedules", func(w http.ResponseWriter, _ *http.Request) {
			api.WriteJSON(w, http.StatusOK, map[string]any{"schedules": app.Scheduler.Entries()})
		})
		r.Post("/jobs/{name}", jobH.Enqueue)
		r.Get("/dead-letters", deadLetterH.List)
		r.Delete("/dead-letters/{key}", deadLetterH.Delete)
	})

	return r
}
