// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	PackageStatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "package_status_transitions_total",
			Help: "Package status changes by target status and source",
		},
		[]string{"status", "source"},
	)

	RateNotFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_not_found_total",
			Help: "Freight calculations that found no matching rate bracket",
		},
		[]string{"type"},
	)

	RateCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_cache_requests_total",
			Help: "Rate bracket cache lookups by result",
		},
		[]string{"result"},
	)

	ManifestAutoClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "manifest_auto_closed_total",
			Help: "Manifests closed because every package was delivered",
		},
	)

	OutboxProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_total",
			Help: "Outbox messages handled by result",
		},
		[]string{"topic", "result"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backups_total",
			Help: "Backup artifacts by type and final status",
		},
		[]string{"type", "status"},
	)

	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backup_duration_seconds",
			Help:    "Duration of backup artifacts",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"type"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			PackageStatusTransitions,
			RateNotFoundTotal,
			RateCacheHits,
			ManifestAutoClosed,
			OutboxProcessed,
			BackupsTotal,
			BackupDuration,
		)
	})
}

// RouteFunc resolves the route label for a finished request.
type RouteFunc func(r *http.Request) string

// Instrument records request count and latency per route.
func Instrument(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			label := route(r)
			if label == "" {
				label = "unmatched"
			}
			HTTPRequestDuration.WithLabelValues(label, r.Method).Observe(time.Since(start).Seconds())
			HTTPRequestsTotal.WithLabelValues(label, r.Method, strconv.Itoa(wrapped.Status)).Inc()
		})
	}
}

// StatusRecorder wraps http.ResponseWriter to capture the status code.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (rw *StatusRecorder) WriteHeader(code int) {
	rw.Status = code
	rw.ResponseWriter.WriteHeader(code)
}
