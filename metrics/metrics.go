package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the interface the proxy components report to.
type Metrics interface {
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	UpdateGauge(key string, value float64)

	MeasureRouteLookup(start time.Time)
	IncRoutingFailures()
	IncRouteCacheHits()
	IncRouteCacheMisses()
	IncRouteCacheEvictions()

	MeasureBackend(backend string, start time.Time)
	IncErrorsBackend(backend string)
	IncTimeouts(backend string)
	IncErrorsStreaming(backend string)
	MeasureServe(backend, method string, code int, start time.Time)

	RegisterHandler(path string, mux *http.ServeMux)
	Close()
}

// Options for initializing metrics collection.
type Options struct {
	// Common prefix for the names of the collected metrics.
	// Defaults to pyramidproxy.
	Prefix string

	// If set, Go runtime and process metrics are collected in
	// addition to the http traffic metrics.
	EnableRuntimeMetrics bool

	// If set, the backend metrics are labeled with the backend
	// address.
	EnableBackendHostMetrics bool

	// Histogram buckets of the duration metrics. Defaults to
	// prometheus.DefBuckets.
	HistogramBuckets []float64

	// Registry to register the metrics with. When nil, a new registry
	// is created.
	PrometheusRegistry *prometheus.Registry
}

// Default is used by the components that were not given a Metrics
// instance.
var Default Metrics = Void
