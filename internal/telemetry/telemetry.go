// Package telemetry exposes the Prometheus metrics shared across the pipeline.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lernfeed_items_in_flight",
			Help: "Items holding an admission lease, labeled by stage.",
		},
		[]string{"stage"},
	)

	partitionWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lernfeed_partition_wait_seconds",
			Help:    "Politeness pacing waits before dispatch, labeled by stage and partition.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage", "partition"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lernfeed_retries_total",
			Help: "Transient attempt failures that scheduled a retry, labeled by stage.",
		},
		[]string{"stage"},
	)

	sinkDuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lernfeed_sink_duplicates_total",
			Help: "Writes that lost a check-then-insert race, labeled by stage.",
		},
		[]string{"stage"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lernfeed_fetch_bytes_total",
			Help: "Bytes fetched from feeds and article pages, labeled by partition.",
		},
		[]string{"partition"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler serves the shared Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware recording request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		ObserveHTTPRequest(r.Method, route, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizePartition normalizes a partition label to a bare lowercase hostname.
func SanitizePartition(raw string) string {
	if raw == "" {
		return "unknown"
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
		return "unknown"
	}
	return strings.ToLower(raw)
}

// AddInFlight moves the lease gauge for a stage by delta.
func AddInFlight(stage string, delta float64) {
	itemsInFlight.WithLabelValues(stage).Add(delta)
}

// ObservePartitionWait records a politeness wait before dispatch.
func ObservePartitionWait(stage, partition string, d time.Duration) {
	partitionWaitSeconds.WithLabelValues(stage, SanitizePartition(partition)).Observe(d.Seconds())
}

// IncRetry counts a scheduled retry for a stage.
func IncRetry(stage string) {
	retriesTotal.WithLabelValues(stage).Inc()
}

// IncSinkDuplicate counts a tolerated duplicate-write race for a stage.
func IncSinkDuplicate(stage string) {
	sinkDuplicatesTotal.WithLabelValues(stage).Inc()
}

// ObserveFetchBytes counts bytes fetched for a partition.
func ObserveFetchBytes(partition string, n int) {
	if n > 0 {
		fetchBytesTotal.WithLabelValues(SanitizePartition(partition)).Add(float64(n))
	}
}

// ObserveHTTPRequest records served-request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
