package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"wardrobe-render/internal/handlers"
	"wardrobe-render/internal/metrics"
	"wardrobe-render/internal/middleware"
)

type Options struct {
	// RequestTimeout must exceed the provider timeout times its attempts.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 180 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 64 * 1024
	}
	return o
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, renders *handlers.RenderHandler, blobs *handlers.BlobHandler, opts Options) {
	opts = opts.withDefaults()

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/renders", renders.CreateRender)
		r.Get("/renders/{hash}", renders.GetRender)
	})

	r.Get("/blobs/*", blobs.Signed)
	// mounted with signing on too, so a fallback public url gets a readable 404
	r.Get("/public/*", blobs.PublicBlob)

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
