package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: render cache lookups by result (hit | miss | error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_cache_lookups_total",
			Help: "Render cache lookups by result.",
		},
		[]string{"result"},
	)

	// Histogram: latency of cache operations (lookup, upsert, record_hit, put_blob).
	CacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_cache_op_seconds",
			Help:    "Render cache operation latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"op"},
	)

	// Counter: provider attempts by provider and result.
	ProviderAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_provider_attempts_total",
			Help: "Image provider attempts by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// Counter: finished generations by outcome (ok | error | fallback).
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_generations_total",
			Help: "Finished render generations by outcome.",
		},
		[]string{"outcome"},
	)

	// Histogram: wall time of one generation, lease to release.
	GenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_generation_seconds",
			Help:    "Render generation latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
	)

	GenerationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_generations_in_flight",
			Help: "Generations currently holding a concurrency slot.",
		},
	)

	// Counter: single-flight outcomes (leader | follower | timeout | unleased).
	LeaseOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_lease_outcomes_total",
			Help: "Single-flight lease outcomes.",
		},
		[]string{"outcome"},
	)

	// Counter: usage gate denials by operation kind.
	UsageDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_usage_denials_total",
			Help: "Requests denied by the usage gate.",
		},
		[]string{"kind"},
	)

	// Histogram: HTTP latency in seconds, labelled by route pattern.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"route", "method", "status_code"},
	)
)

var registerOnce sync.Once

// Register is called once in main() to register metrics.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CacheLookupsTotal,
			CacheOpSeconds,
			ProviderAttemptsTotal,
			GenerationsTotal,
			GenerationSeconds,
			GenerationsInFlight,
			LeaseOutcomesTotal,
			UsageDenialsTotal,
			HTTPLatencySeconds,
		)
	})
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request. Paths are reported by
// chi route pattern so render hashes do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		HTTPLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
