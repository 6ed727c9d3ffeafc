package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	CompletionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_requests_total",
			Help: "Total number of completion provider calls by model",
		},
		[]string{"model"},
	)
	CompletionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_request_duration_seconds",
			Help:    "Completion provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)

	GenerationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_attempts_total",
			Help: "Total generation attempts by model",
		},
		[]string{"model"},
	)
	ValidationRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_rejects_total",
			Help: "Generated texts rejected by the validator, by reason",
		},
		[]string{"reason"},
	)
	FallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_fallbacks_total",
			Help: "Requests that exhausted all attempts and used the fallback",
		},
	)
	AdmissionDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Requests denied by admission control",
		},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			CompletionRequestsTotal,
			CompletionRequestDuration,
			GenerationAttemptsTotal,
			ValidationRejectsTotal,
			FallbacksTotal,
			AdmissionDeniedTotal,
			CacheHitsTotal,
			CacheMissesTotal,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
