package http

import (
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds the Prometheus metrics for the rotation engine.
type MetricsRegistry struct {
	registry *prometheus.Registry

	RunDuration  prometheus.Histogram
	RunsTotal    *prometheus.CounterVec
	FetchErrors  prometheus.Counter
	SymbolsOK    prometheus.Gauge
	Decisions    *prometheus.CounterVec
	RegimeBull   *prometheus.GaugeVec
	Equity       prometheus.Gauge
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	CacheRatio   prometheus.Gauge
	NotifyErrors prometheus.Counter
}

// NewMetricsRegistry creates and registers the engine's metric set on a
// private registry.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rotor_run_duration_seconds",
			Help:    "Wall-clock duration of one full decision run",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotor_runs_total",
			Help: "Completed runs by outcome",
		}, []string{"outcome"}),

		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotor_fetch_errors_total",
			Help: "Per-symbol history fetch failures",
		}),

		SymbolsOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotor_symbols_with_data",
			Help: "Symbols with usable history in the latest run",
		}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotor_decisions_total",
			Help: "Decisions emitted by action and reason",
		}, []string{"action", "reason"}),

		RegimeBull: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rotor_regime_bull",
			Help: "Per-bucket regime flag (1 bull, 0 bear)",
		}, []string{"bucket"}),

		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotor_equity_usd",
			Help: "Portfolio equity estimate from the latest run",
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotor_cache_hits_total",
			Help: "Cache hits by cache type",
		}, []string{"cache_type"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotor_cache_misses_total",
			Help: "Cache misses by cache type",
		}, []string{"cache_type"}),

		CacheRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotor_cache_hit_ratio",
			Help: "Current cache hit ratio (0.0 to 1.0)",
		}),

		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotor_notify_errors_total",
			Help: "Failed notification deliveries",
		}),
	}

	m.registry.MustRegister(
		m.RunDuration, m.RunsTotal, m.FetchErrors, m.SymbolsOK,
		m.Decisions, m.RegimeBull, m.Equity,
		m.CacheHits, m.CacheMisses, m.CacheRatio, m.NotifyErrors,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *MetricsRegistry) Registry() *prometheus.Registry { return m.registry }

// RecordFetchError counts one failed symbol fetch.
func (m *MetricsRegistry) RecordFetchError() {
	m.FetchErrors.Inc()
}

// RecordCacheHit records a cache hit and refreshes the ratio gauge.
func (m *MetricsRegistry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss and refreshes the ratio gauge.
func (m *MetricsRegistry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

func (m *MetricsRegistry) updateCacheHitRatio() {
	hit := &io_prometheus_client.Metric{}
	miss := &io_prometheus_client.Metric{}

	totalHits, totalMisses := 0.0, 0.0
	for _, cacheType := range []string{"history", "proxy"} {
		if c, err := m.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := c.Write(hit); err == nil {
				totalHits += hit.GetCounter().GetValue()
			}
		}
		if c, err := m.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := c.Write(miss); err == nil {
				totalMisses += miss.GetCounter().GetValue()
			}
		}
	}
	if total := totalHits + totalMisses; total > 0 {
		m.CacheRatio.Set(totalHits / total)
	}
}
