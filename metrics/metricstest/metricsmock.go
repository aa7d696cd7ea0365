/*
Package metricstest provides a Metrics implementation that records the
reported values in maps, for inspection in tests.
*/
package metricstest

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pyramidproxy/pyramidproxy/metrics"
)

// Keys of the values recorded by MockMetrics.
const (
	KeyRouteLookup         = "route.lookup"
	KeyRoutingFailures     = "route.errors"
	KeyRouteCacheHits      = "routecache.hits"
	KeyRouteCacheMisses    = "routecache.misses"
	KeyRouteCacheEvictions = "routecache.evictions"
	KeyBackend             = "backend.%s"
	KeyBackendErrors       = "backend.%s.errors"
	KeyTimeouts            = "backend.%s.timeouts"
	KeyStreamingErrors     = "streaming.%s.errors"
	KeyServe               = "serve.%s.%s.%d"
)

type MockMetrics struct {
	Prefix string

	mu sync.Mutex

	// Metrics gathering
	counters map[string]int64
	gauges   map[string]float64
	measures map[string][]time.Duration
	Now      time.Time
}

var _ metrics.Metrics = (*MockMetrics)(nil)

//
// Public thread safe access to metrics
//

func (m *MockMetrics) WithCounters(f func(counters map[string]int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	f(m.counters)
}

func (m *MockMetrics) WithMeasures(f func(measures map[string][]time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measures == nil {
		m.measures = make(map[string][]time.Duration)
	}
	f(m.measures)
}

func (m *MockMetrics) WithGauges(f func(map[string]float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[string]float64)
	}

	f(m.gauges)
}

// Counter returns the current value of a counter.
func (m *MockMetrics) Counter(key string) (v int64, ok bool) {
	m.WithCounters(func(c map[string]int64) {
		v, ok = c[m.Prefix+key]
	})

	return
}

func (m *MockMetrics) Gauge(key string) (v float64, ok bool) {
	m.WithGauges(func(g map[string]float64) {
		v, ok = g[m.Prefix+key]
	})

	return
}

func (m *MockMetrics) Measure(key string) (d []time.Duration, ok bool) {
	m.WithMeasures(func(measures map[string][]time.Duration) {
		d, ok = measures[m.Prefix+key]
	})

	return
}

func (m *MockMetrics) since(start time.Time) time.Duration {
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	return now.Sub(start)
}

func (m *MockMetrics) measure(key string, start time.Time) {
	d := m.since(start)
	key = m.Prefix + key
	m.WithMeasures(func(measures map[string][]time.Duration) {
		measures[key] = append(measures[key], d)
	})
}

//
// Interface Metrics
//

func (m *MockMetrics) MeasureSince(key string, start time.Time) {
	m.measure(key, start)
}

func (m *MockMetrics) IncCounter(key string) {
	m.IncCounterBy(key, 1)
}

func (m *MockMetrics) IncCounterBy(key string, value int64) {
	key = m.Prefix + key
	m.WithCounters(func(counters map[string]int64) {
		counters[key] += value
	})
}

func (m *MockMetrics) UpdateGauge(key string, value float64) {
	key = m.Prefix + key
	m.WithGauges(func(g map[string]float64) {
		g[key] = value
	})
}

func (m *MockMetrics) MeasureRouteLookup(start time.Time) {
	m.measure(KeyRouteLookup, start)
}

func (m *MockMetrics) IncRoutingFailures() {
	m.IncCounter(KeyRoutingFailures)
}

func (m *MockMetrics) IncRouteCacheHits() {
	m.IncCounter(KeyRouteCacheHits)
}

func (m *MockMetrics) IncRouteCacheMisses() {
	m.IncCounter(KeyRouteCacheMisses)
}

func (m *MockMetrics) IncRouteCacheEvictions() {
	m.IncCounter(KeyRouteCacheEvictions)
}

func (m *MockMetrics) MeasureBackend(backend string, start time.Time) {
	m.measure(fmt.Sprintf(KeyBackend, backend), start)
}

func (m *MockMetrics) IncErrorsBackend(backend string) {
	m.IncCounter(fmt.Sprintf(KeyBackendErrors, backend))
}

func (m *MockMetrics) IncTimeouts(backend string) {
	m.IncCounter(fmt.Sprintf(KeyTimeouts, backend))
}

func (m *MockMetrics) IncErrorsStreaming(backend string) {
	m.IncCounter(fmt.Sprintf(KeyStreamingErrors, backend))
}

func (m *MockMetrics) MeasureServe(backend, method string, code int, start time.Time) {
	m.measure(fmt.Sprintf(KeyServe, backend, method, code), start)
}

func (*MockMetrics) RegisterHandler(path string, handler *http.ServeMux) {}

func (*MockMetrics) Close() {}
