package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the ledger core. A nil receiver
// is valid everywhere and turns recording into a no-op.
type Metrics struct {
	registry            *prometheus.Registry
	handler             http.Handler
	cacheHits           *prometheus.CounterVec
	cacheMisses         *prometheus.CounterVec
	closureRuns         *prometheus.CounterVec
	closureDuration     prometheus.Histogram
	integrityViolations prometheus.Gauge
}

// NewMetrics initializes the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crewbase_turnover_cache_hits_total",
		Help: "Turnover cache hits by side.",
	}, []string{"side"})
	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crewbase_turnover_cache_misses_total",
		Help: "Turnover cache misses by side.",
	}, []string{"side"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crewbase_period_closure_runs_total",
		Help: "Period closure attempts by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crewbase_period_closure_duration_seconds",
		Help:    "Duration of period closure transactions.",
		Buckets: prometheus.DefBuckets,
	})
	violations := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crewbase_ledger_integrity_violations",
		Help: "Violations found by the last ledger integrity scan.",
	})
	registry.MustRegister(hits, misses, runs, duration, violations)
	return &Metrics{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		cacheHits:           hits,
		cacheMisses:         misses,
		closureRuns:         runs,
		closureDuration:     duration,
		integrityViolations: violations,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// CacheHit records a turnover cache hit.
func (m *Metrics) CacheHit(side string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(side).Inc()
}

// CacheMiss records a turnover cache miss.
func (m *Metrics) CacheMiss(side string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(side).Inc()
}

// ClosureRun records one period closure attempt and its duration.
func (m *Metrics) ClosureRun(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.closureRuns.WithLabelValues(outcome).Inc()
	m.closureDuration.Observe(elapsed.Seconds())
}

// IntegrityViolations publishes the violation count of the latest scan.
func (m *Metrics) IntegrityViolations(count int) {
	if m == nil {
		return
	}
	m.integrityViolations.Set(float64(count))
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}
