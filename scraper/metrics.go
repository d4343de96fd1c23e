package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the aggregator.
type Metrics struct {
	Registry           *prometheus.Registry
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	RetriesTotal       prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
	ItemsTotal         prometheus.Counter
	DetailFailures     prometheus.Counter
	CacheLookupsTotal  *prometheus.CounterVec
	CacheEvictionTotal prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comics_fetch_requests_total",
			Help: "Total proxy fetch attempts by document kind.",
		},
		[]string{"kind"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comics_fetch_duration_seconds",
			Help:    "Proxy round-trip latency per attempt.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comics_fetch_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comics_fetch_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"error_type"},
	)
	items := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comics_items_aggregated_total",
			Help: "Total number of item records assembled.",
		},
	)
	detailFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comics_detail_failures_total",
			Help: "Detail fetches or parses that degraded a record to listing data.",
		},
	)
	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comics_cache_lookups_total",
			Help: "Aggregate cache lookups by result.",
		},
		[]string{"result"},
	)
	cacheEvictions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comics_cache_evictions_total",
			Help: "Entries evicted from the in-memory cache on overflow.",
		},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, items, detailFailures, cacheLookups, cacheEvictions)

	return &Metrics{
		Registry:           registry,
		RequestsTotal:      requests,
		RequestDuration:    requestDuration,
		RetriesTotal:       retries,
		ErrorsTotal:        errorsTotal,
		ItemsTotal:         items,
		DetailFailures:     detailFailures,
		CacheLookupsTotal:  cacheLookups,
		CacheEvictionTotal: cacheEvictions,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(kind string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind).Inc()
}

// ObserveDuration records a proxy round-trip duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// AddItems adds n assembled records.
func (m *Metrics) AddItems(n int) {
	if m == nil {
		return
	}
	m.ItemsTotal.Add(float64(n))
}

// IncDetailFailure counts one degraded detail record.
func (m *Metrics) IncDetailFailure() {
	if m == nil {
		return
	}
	m.DetailFailures.Inc()
}

// IncCacheLookup counts a cache lookup; result is "hit" or "miss".
func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// IncCacheEviction counts one overflow eviction.
func (m *Metrics) IncCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionTotal.Inc()
}
