// Package metrics exposes Prometheus collectors for the executor and
// gateway daemons.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for one daemon process.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	invocationMs     *prometheus.HistogramVec
	coldStartsTotal  prometheus.Counter

	isolatesLive     prometheus.Gauge
	isolatesDestroyed prometheus.Counter
	acquireWaitMs    prometheus.Histogram

	cacheBytes     prometheus.Gauge
	cacheEntries   prometheus.Gauge
	cacheHitsTotal *prometheus.CounterVec
	fetchesTotal   *prometheus.CounterVec

	notificationsTotal *prometheus.CounterVec

	gatewayRequests *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
}

// Default histogram buckets for invocation duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var global *Metrics

// Init initializes the global metrics instance.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of function invocations",
			},
			[]string{"function", "status"},
		),
		invocationMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Function invocation duration in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"function"},
		),
		coldStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Total number of isolate cold starts",
			},
		),
		isolatesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "isolates_live",
				Help:      "Number of live isolates in the pool",
			},
		),
		isolatesDestroyed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "isolates_destroyed_total",
				Help:      "Total number of isolates destroyed instead of released",
			},
		),
		acquireWaitMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "isolate_acquire_wait_ms",
				Help:      "Time spent waiting for an isolate in milliseconds",
				Buckets:   defaultBuckets,
			},
		),
		cacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "package_cache_bytes",
				Help:      "Total bytes held by the on-disk package cache",
			},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "package_cache_entries",
				Help:      "Number of entries in the on-disk package cache",
			},
		),
		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_cache_resolutions_total",
				Help:      "Package cache resolutions by outcome",
			},
			[]string{"outcome"}, // hit, miss, error
		),
		fetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_fetches_total",
				Help:      "Package fetches from the object store by outcome",
			},
			[]string{"outcome"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidations_total",
				Help:      "Invalidation notifications processed by channel",
			},
			[]string{"channel"},
		),
		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Gateway requests by status class",
			},
			[]string{"route", "status"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_auth_failures_total",
				Help:      "Gateway auth rejections by method type",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.invocationsTotal, m.invocationMs, m.coldStartsTotal,
		m.isolatesLive, m.isolatesDestroyed, m.acquireWaitMs,
		m.cacheBytes, m.cacheEntries, m.cacheHitsTotal, m.fetchesTotal,
		m.notificationsTotal, m.gatewayRequests, m.authFailures,
	)

	global = m
	return m
}

// Global returns the global metrics instance, initializing a default one
// if Init has not been called (keeps tests free of setup order concerns).
func Global() *Metrics {
	if global == nil {
		return Init("helios")
	}
	return global
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordInvocation records one completed invocation.
func (m *Metrics) RecordInvocation(function string, status string, duration time.Duration, coldStart bool) {
	m.invocationsTotal.WithLabelValues(function, status).Inc()
	m.invocationMs.WithLabelValues(function).Observe(float64(duration.Milliseconds()))
	if coldStart {
		m.coldStartsTotal.Inc()
	}
}

// SetIsolatesLive sets the live isolate gauge.
func (m *Metrics) SetIsolatesLive(n int) { m.isolatesLive.Set(float64(n)) }

// RecordIsolateDestroyed counts an isolate destroyed instead of released.
func (m *Metrics) RecordIsolateDestroyed() { m.isolatesDestroyed.Inc() }

// RecordAcquireWait records the time spent waiting for an isolate.
func (m *Metrics) RecordAcquireWait(d time.Duration) {
	m.acquireWaitMs.Observe(float64(d.Milliseconds()))
}

// SetCacheSize updates the package cache gauges.
func (m *Metrics) SetCacheSize(bytes int64, entries int) {
	m.cacheBytes.Set(float64(bytes))
	m.cacheEntries.Set(float64(entries))
}

// RecordCacheResolution counts a package cache resolution by outcome.
func (m *Metrics) RecordCacheResolution(outcome string) {
	m.cacheHitsTotal.WithLabelValues(outcome).Inc()
}

// RecordFetch counts an object store fetch by outcome.
func (m *Metrics) RecordFetch(outcome string) {
	m.fetchesTotal.WithLabelValues(outcome).Inc()
}

// RecordNotification counts a processed invalidation notification.
func (m *Metrics) RecordNotification(channel string) {
	m.notificationsTotal.WithLabelValues(channel).Inc()
}

// RecordGatewayRequest counts a gateway request.
func (m *Metrics) RecordGatewayRequest(route string, status int) {
	m.gatewayRequests.WithLabelValues(route, statusClass(status)).Inc()
}

// RecordAuthFailure counts an auth rejection by method type.
func (m *Metrics) RecordAuthFailure(methodType string) {
	m.authFailures.WithLabelValues(methodType).Inc()
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
