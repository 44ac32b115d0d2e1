package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markmiedema/nexus-analyzer/internal/cache"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
// Each server owns its own registry so tests can build many servers.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Analyses        *prometheus.CounterVec
	AnalysisLatency prometheus.Histogram
	StatesCrossed   *prometheus.CounterVec
	RowsRejected    prometheus.Counter
}

// NewMetrics creates and registers the API collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		Analyses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_analyses_total",
				Help: "Analysis runs by outcome",
			},
			[]string{"outcome"},
		),

		AnalysisLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexus_analysis_duration_seconds",
				Help:    "End-to-end analysis latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		StatesCrossed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_states_crossed_total",
				Help: "States found to have crossed an economic nexus threshold",
			},
			[]string{"state"},
		),

		RowsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_ledger_rows_rejected_total",
				Help: "Ledger rows rejected during normalization",
			},
		),
	}

	m.registry.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.Analyses,
		m.AnalysisLatency,
		m.StatesCrossed,
		m.RowsRejected,
	)

	return m
}

// cacheStats is implemented by the in-process result cache tiers.
type cacheStats interface {
	Stats() cache.Stats
}

// WatchCache exports result cache occupancy and hit counts when c keeps
// local statistics. A remote-only or missing cache exports nothing.
func (m *Metrics) WatchCache(c domain.Cache) {
	src, ok := c.(cacheStats)
	if !ok {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nexus_result_cache_entries",
			Help: "Crossing results held in the local cache",
		}, func() float64 { return float64(src.Stats().Entries) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "nexus_result_cache_hits_total",
			Help: "Local result cache hits",
		}, func() float64 { return float64(src.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "nexus_result_cache_misses_total",
			Help: "Local result cache misses",
		}, func() float64 { return float64(src.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "nexus_result_cache_evictions_total",
			Help: "Entries evicted from the local result cache",
		}, func() float64 { return float64(src.Stats().Evictions) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAnalysis records a completed run.
func (m *Metrics) ObserveAnalysis(a *domain.Analysis, elapsed time.Duration) {
	m.Analyses.WithLabelValues("ok").Inc()
	m.AnalysisLatency.Observe(elapsed.Seconds())
	m.RowsRejected.Add(float64(len(a.Rejected)))
	for _, r := range a.Results {
		if r.Crossed {
			m.StatesCrossed.WithLabelValues(r.StateCode).Inc()
		}
	}
}

// Middleware counts requests by chi route pattern, keeping label
// cardinality bounded by the route table.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.Requests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
