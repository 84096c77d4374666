package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Upstream fetch attempt rate per source. Watch for: error vs success ratio.
	FetchAttemptsTotal *prometheus.CounterVec

	// Upstream fetch latency per attempt. Watch for: p95 > 2s (upstream degradation).
	FetchDuration *prometheus.HistogramVec

	// Retry attempts per source. High retries = unstable upstream.
	FetchRetriesTotal *prometheus.CounterVec

	// Fetch errors by classified category (timeout, rate_limited, format_changed...).
	FetchErrorsTotal *prometheus.CounterVec

	// Time spent waiting for a scheduler permit. Watch for: budget starvation.
	PermitWaitSeconds prometheus.Histogram

	// Rate-limit penalties applied per source (budget shrink + next-allowed pushout).
	RateLimitPenaltiesTotal *prometheus.CounterVec

	// Cache hits per backend lookup kind (fresh, stale).
	CacheHitsTotal *prometheus.CounterVec

	// Cache operation failures by op and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Coalescing: callers that piggybacked on an in-flight fetch, and their wait.
	RequestCoalescingHitsTotal   prometheus.Counter
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Stampede detection: concurrent misses for the same key.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CacheStampedeConcurrency   *prometheus.HistogramVec

	// Stale fallback serves and age of the served record.
	StaleServesTotal *prometheus.CounterVec
	StaleAgeSeconds  prometheus.Histogram

	// Total resolve calls and end-to-end latency by outcome.
	QueriesTotal    prometheus.Counter
	ResolveDuration *prometheus.HistogramVec

	// Per-location query count (allow-list; others go to "other").
	QueriesByLocationTotal *prometheus.CounterVec

	// Circuit breaker transitions and current state per source (0=closed, 1=open, 2=half_open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Background refresh runs.
	RefreshRunsTotal       prometheus.Counter
	RefreshErrorsTotal     prometheus.Counter
	RefreshDurationSeconds prometheus.Histogram

	// trackedLocations is built from config; used to resolve location for metrics.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	inFlightGaugeOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchAttemptsTotal",
			Help: "Total number of upstream fetch attempts",
		},
		[]string{"source", "status"},
	)
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetchDurationSeconds",
			Help:    "Upstream fetch latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source"},
	)
	FetchRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchRetriesTotal",
			Help: "Total number of retry attempts per source",
		},
		[]string{"source"},
	)
	FetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchErrorsTotal",
			Help: "Fetch errors by source and classified category",
		},
		[]string{"source", "category"},
	)
	PermitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "permitWaitSeconds",
			Help:    "Time spent waiting for a scheduler permit",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
	RateLimitPenaltiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateLimitPenaltiesTotal",
			Help: "Rate-limit penalties applied per source",
		},
		[]string{"source"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits by kind (fresh, stale)",
		},
		[]string{"kind"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache operation failures by op and category",
		},
		[]string{"op", "category"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Resolve calls that piggybacked on an in-flight fetch for the same key",
		},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time callers waited on a coalesced in-flight fetch",
			Buckets: prometheus.DefBuckets,
		},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Concurrent cache misses detected for the same key",
		},
		[]string{"location"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Number of concurrent misses per stampede event",
			Buckets: []float64{2, 3, 5, 10, 20, 50},
		},
		[]string{"location"},
	)
	StaleServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleServesTotal",
			Help: "Queries served from stale cache after all sources failed",
		},
		[]string{"location"},
	)
	StaleAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleAgeSeconds",
			Help:    "Age of records served from stale cache",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200},
		},
	)
	QueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	ResolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolveDurationSeconds",
			Help:    "End-to-end resolve latency by outcome (cached, fetched, stale, error)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	QueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions per source",
		},
		[]string{"source", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state per source (0=closed, 1=open, 2=half_open)",
		},
		[]string{"source"},
	)
	RefreshRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refreshRunsTotal",
			Help: "Background refresh runs",
		},
	)
	RefreshErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refreshErrorsTotal",
			Help: "Background refresh runs that had at least one failing location",
		},
	)
	RefreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refreshDurationSeconds",
			Help:    "Background refresh run duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(
		FetchAttemptsTotal, FetchDuration, FetchRetriesTotal, FetchErrorsTotal,
		PermitWaitSeconds, RateLimitPenaltiesTotal,
		CacheHitsTotal, CacheErrorsTotal,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		StaleServesTotal, StaleAgeSeconds,
		QueriesTotal, ResolveDuration, QueriesByLocationTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		RefreshRunsTotal, RefreshErrorsTotal, RefreshDurationSeconds,
	)
}

// RegisterInFlightGauge registers a gauge tracking admitted upstream fetches.
// Call from main after the scheduler is built.
func RegisterInFlightGauge(fn func() float64) {
	inFlightGaugeOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "fetchesInFlight",
					Help: "Upstream fetches currently holding a scheduler permit",
				},
				fn,
			),
		)
	})
}

// RecordCircuitBreakerTransition records one breaker transition and updates
// the per-source state gauge.
func RecordCircuitBreakerTransition(source, from, to string, stateValue float64) {
	CircuitBreakerTransitionsTotal.WithLabelValues(source, from, to).Inc()
	CircuitBreakerState.WithLabelValues(source).Set(stateValue)
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// MetricLocationLabel resolves a location to its metric label: itself when
// tracked, "other" otherwise. Keeps label cardinality bounded.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// RecordWeatherQuery records a weather query for the given location.
func RecordWeatherQuery(location string) {
	QueriesTotal.Inc()
	QueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

func normalizeLocationForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
