package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace          = "pyramidproxy"
	promRouteSubsystem     = "route"
	promRouteCacheSubystem = "route_cache"
	promProxySubsystem     = "backend"
	promStreamingSubsystem = "streaming"
	promServeSubsystem     = "serve"
	promCustomSubsystem    = "custom"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	routeLookupM          prometheus.Histogram
	routeErrorsM          prometheus.Counter
	routeCacheHitsM       prometheus.Counter
	routeCacheMissesM     prometheus.Counter
	routeCacheEvictionsM  prometheus.Counter
	proxyBackendM         *prometheus.HistogramVec
	proxyBackendErrorsM   *prometheus.CounterVec
	proxyTimeoutsM        *prometheus.CounterVec
	proxyStreamingErrorsM *prometheus.CounterVec
	serveM                *prometheus.HistogramVec
	serveCounterM         *prometheus.CounterVec
	customHistogramM      *prometheus.HistogramVec
	customCounterM        *prometheus.CounterVec
	customGaugeM          *prometheus.GaugeVec

	opts     Options
	registry *prometheus.Registry
	handler  http.Handler
}

var _ Metrics = (*Prometheus)(nil)

// NewPrometheus returns a new Prometheus metric backend.
func NewPrometheus(opts Options) *Prometheus {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	if len(opts.HistogramBuckets) == 0 {
		opts.HistogramBuckets = prometheus.DefBuckets
	}

	routeLookup := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promRouteSubsystem,
		Name:      "lookup_duration_seconds",
		Help:      "Duration in seconds of resolving a routing key.",
		Buckets:   opts.HistogramBuckets,
	})

	routeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRouteSubsystem,
		Name:      "error_total",
		Help:      "The total of routing key resolution errors.",
	})

	routeCacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRouteCacheSubystem,
		Name:      "hits_total",
		Help:      "The total of route cache hits.",
	})

	routeCacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRouteCacheSubystem,
		Name:      "misses_total",
		Help:      "The total of route cache misses.",
	})

	routeCacheEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRouteCacheSubystem,
		Name:      "evictions_total",
		Help:      "The total of entries evicted from the route cache.",
	})

	proxyBackend := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds until the response headers of a backend arrived.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"host"})

	proxyBackendErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "error_total",
		Help:      "Total number of backend connect errors.",
	}, []string{"host"})

	proxyTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "timeout_total",
		Help:      "Total number of idle timeouts of proxy sessions.",
	}, []string{"host"})

	proxyStreamingErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promStreamingSubsystem,
		Name:      "error_total",
		Help:      "Total number of errors while streaming a response body.",
	}, []string{"host"})

	serve := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promServeSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of serving a request.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"code", "method", "host"})

	serveCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promServeSubsystem,
		Name:      "count",
		Help:      "Total number of served requests.",
	}, []string{"code", "method", "host"})

	customCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "total",
		Help:      "Total number of custom metrics.",
	}, []string{"key"})

	customGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "gauges",
		Help:      "Gauges number of custom metrics.",
	}, []string{"key"})

	customHistogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of custom metrics.",
		Buckets:   opts.HistogramBuckets,
	}, []string{"key"})

	p := &Prometheus{
		routeLookupM:          routeLookup,
		routeErrorsM:          routeErrors,
		routeCacheHitsM:       routeCacheHits,
		routeCacheMissesM:     routeCacheMisses,
		routeCacheEvictionsM:  routeCacheEvictions,
		proxyBackendM:         proxyBackend,
		proxyBackendErrorsM:   proxyBackendErrors,
		proxyTimeoutsM:        proxyTimeouts,
		proxyStreamingErrorsM: proxyStreamingErrors,
		serveM:                serve,
		serveCounterM:         serveCounter,
		customCounterM:        customCounter,
		customGaugeM:          customGauge,
		customHistogramM:      customHistogram,

		registry: opts.PrometheusRegistry,
		opts:     opts,
	}

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}

	p.registerMetrics()
	return p
}

// sinceS returns the seconds passed since the start time until now.
func (p *Prometheus) sinceS(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func (p *Prometheus) registerMetrics() {
	p.registry.MustRegister(p.routeLookupM)
	p.registry.MustRegister(p.routeErrorsM)
	p.registry.MustRegister(p.routeCacheHitsM)
	p.registry.MustRegister(p.routeCacheMissesM)
	p.registry.MustRegister(p.routeCacheEvictionsM)
	p.registry.MustRegister(p.proxyBackendM)
	p.registry.MustRegister(p.proxyBackendErrorsM)
	p.registry.MustRegister(p.proxyTimeoutsM)
	p.registry.MustRegister(p.proxyStreamingErrorsM)
	p.registry.MustRegister(p.serveM)
	p.registry.MustRegister(p.serveCounterM)
	p.registry.MustRegister(p.customCounterM)
	p.registry.MustRegister(p.customHistogramM)
	p.registry.MustRegister(p.customGaugeM)

	// Register prometheus runtime collectors if required.
	if p.opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p.registry.MustRegister(collectors.NewGoCollector())
	}
}

func (p *Prometheus) backendLabel(backend string) string {
	if p.opts.EnableBackendHostMetrics {
		return hostForKey(backend)
	}

	return ""
}

func (p *Prometheus) CreateHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) getHandler() http.Handler {
	if p.handler != nil {
		return p.handler
	}

	p.handler = p.CreateHandler()
	return p.handler
}

// RegisterHandler satisfies Metrics interface.
func (p *Prometheus) RegisterHandler(path string, mux *http.ServeMux) {
	promHandler := p.getHandler()
	mux.Handle(path, promHandler)
}

// MeasureSince satisfies Metrics interface.
func (p *Prometheus) MeasureSince(key string, start time.Time) {
	p.customHistogramM.WithLabelValues(key).Observe(p.sinceS(start))
}

// IncCounter satisfies Metrics interface.
func (p *Prometheus) IncCounter(key string) {
	p.customCounterM.WithLabelValues(key).Inc()
}

// IncCounterBy satisfies Metrics interface.
func (p *Prometheus) IncCounterBy(key string, value int64) {
	p.customCounterM.WithLabelValues(key).Add(float64(value))
}

// UpdateGauge satisfies Metrics interface.
func (p *Prometheus) UpdateGauge(key string, v float64) {
	p.customGaugeM.WithLabelValues(key).Set(v)
}

// MeasureRouteLookup satisfies Metrics interface.
func (p *Prometheus) MeasureRouteLookup(start time.Time) {
	p.routeLookupM.Observe(p.sinceS(start))
}

// IncRoutingFailures satisfies Metrics interface.
func (p *Prometheus) IncRoutingFailures() {
	p.routeErrorsM.Inc()
}

// IncRouteCacheHits satisfies Metrics interface.
func (p *Prometheus) IncRouteCacheHits() {
	p.routeCacheHitsM.Inc()
}

// IncRouteCacheMisses satisfies Metrics interface.
func (p *Prometheus) IncRouteCacheMisses() {
	p.routeCacheMissesM.Inc()
}

// IncRouteCacheEvictions satisfies Metrics interface.
func (p *Prometheus) IncRouteCacheEvictions() {
	p.routeCacheEvictionsM.Inc()
}

// MeasureBackend satisfies Metrics interface.
func (p *Prometheus) MeasureBackend(backend string, start time.Time) {
	p.proxyBackendM.WithLabelValues(p.backendLabel(backend)).Observe(p.sinceS(start))
}

// IncErrorsBackend satisfies Metrics interface.
func (p *Prometheus) IncErrorsBackend(backend string) {
	p.proxyBackendErrorsM.WithLabelValues(p.backendLabel(backend)).Inc()
}

// IncTimeouts satisfies Metrics interface.
func (p *Prometheus) IncTimeouts(backend string) {
	p.proxyTimeoutsM.WithLabelValues(p.backendLabel(backend)).Inc()
}

// IncErrorsStreaming satisfies Metrics interface.
func (p *Prometheus) IncErrorsStreaming(backend string) {
	p.proxyStreamingErrorsM.WithLabelValues(p.backendLabel(backend)).Inc()
}

// MeasureServe satisfies Metrics interface.
func (p *Prometheus) MeasureServe(backend, method string, code int, start time.Time) {
	method = measuredMethod(method)
	c := fmt.Sprint(code)
	h := p.backendLabel(backend)
	p.serveM.WithLabelValues(c, method, h).Observe(p.sinceS(start))
	p.serveCounterM.WithLabelValues(c, method, h).Inc()
}

func (p *Prometheus) Close() {}
