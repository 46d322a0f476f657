// Package metrics defines custom Prometheus metrics for the amazons3 service.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amazons3_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "amazons3_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Delivery metrics.
var (
	// ResolutionsTotal counts URL resolutions by outcome: style, download,
	// torrent, presigned, cdn, plain, or error.
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amazons3_url_resolutions_total",
			Help: "Public URL resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// CacheLookupsTotal counts metadata cache lookups by layer and result
	// (hit, miss, expired, error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amazons3_metadata_cache_lookups_total",
			Help: "Metadata cache lookups by layer and result",
		},
		[]string{"layer", "result"},
	)

	// CacheErrorsTotal counts absorbed cache layer failures by layer and
	// operation.
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amazons3_metadata_cache_errors_total",
			Help: "Metadata cache layer failures",
		},
		[]string{"layer", "op"},
	)

	// AdapterOperationsTotal counts filesystem adapter operations by
	// operation name and status.
	AdapterOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amazons3_adapter_operations_total",
			Help: "Filesystem adapter operations by type",
		},
		[]string{"operation", "status"},
	)

	// BytesWrittenTotal counts bytes uploaded through the adapter.
	BytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amazons3_bytes_written_total",
			Help: "Total bytes written to the object store",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			ResolutionsTotal,
			CacheLookupsTotal,
			CacheErrorsTotal,
			AdapterOperationsTotal,
			BytesWrittenTotal,
		)
		// Make the resolution counter visible before the first request.
		ResolutionsTotal.WithLabelValues("plain")
	})
}

// NormalizePath maps request paths to templates suitable for Prometheus
// labels, keeping bucket and object names out of the label space.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/resolve", "/openapi.json":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	for _, prefix := range []string{"/files/", "/stat/"} {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			if idx := strings.IndexByte(rest, '/'); idx < 0 || rest[idx+1:] == "" {
				return prefix + "{bucket}"
			}
			return prefix + "{bucket}/{key}"
		}
	}
	// Derivative endpoint: /<prefix>/<bucket>/styles/<style>/<file>.
	if strings.Contains(path, "/styles/") {
		return "/derivative"
	}
	return "/other"
}
