package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/api/handler"
	apimw "github.com/notifyhub/posting-queue/internal/api/middleware"
)

// Options carries the defaults the operator endpoints fall back to.
type Options struct {
	BatchSize     int
	RetentionDays int
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc handler.PostingQueue,
	reg prometheus.Gatherer,
	opts Options,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestSize(64 << 10))
	r.Use(apimw.CorrelationID(logger))
	r.Use(apimw.RequestLogger(logger))

	ph := handler.NewPostsHandler(svc, logger)
	oh := handler.NewOpsHandler(svc, opts.BatchSize, opts.RetentionDays, logger)
	hh := handler.NewHealthHandler(svc)

	r.Get("/health", hh.Health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/posts", func(r chi.Router) {
			r.Post("/", ph.Create)
			r.Get("/", ph.List)
			r.Get("/{id}", ph.GetByID)
			r.Delete("/{id}", ph.Cancel)
			r.Get("/{id}/position", ph.Position)
			r.Post("/{id}/requeue", ph.Requeue)
			r.Post("/{id}/fail", ph.Fail)
		})

		r.Post("/process", oh.Process)
		r.Post("/cleanup", oh.Cleanup)
		r.Get("/status", oh.Status)
	})

	return r
}
