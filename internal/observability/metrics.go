package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/relieflink-refdata/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream geodata calls by source (arcgis, wms, incident_feed) and status.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p95 approaching the upstream timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Failed refreshes by resource and error category.
	UpstreamErrorsTotal *prometheus.CounterVec

	// Responses per resource and fallback tier (live, cache, stale, local, empty).
	RefdataServedTotal *prometheus.CounterVec

	// Records dropped by the normalizer for lacking a usable coordinate.
	NormalizeDroppedTotal *prometheus.CounterVec

	// Fresh cache hits per resource.
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend errors (get/set) by category.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache backend latency by op and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses on the same resource. Watch for: sustained stampedes.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CacheStampedeConcurrency   *prometheus.HistogramVec

	// Callers that joined an in-flight refresh instead of starting their own.
	RequestCoalescingHitsTotal   *prometheus.CounterVec
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Stale entries served after a failed refresh.
	StaleCacheServesTotal *prometheus.CounterVec
	StaleCacheAgeSeconds  prometheus.Histogram

	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	ShutdownInFlightRequests prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstreamCallsTotal", Help: "Total number of upstream geodata calls"},
		[]string{"source", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Upstream geodata latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source", "status"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstreamErrorsTotal", Help: "Failed refreshes by resource and error category"},
		[]string{"resource", "category"},
	)
	RefdataServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "refdataServedTotal", Help: "Reference data responses by resource and tier"},
		[]string{"resource", "tier"},
	)
	NormalizeDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "normalizeDroppedTotal", Help: "Raw records dropped for lacking a usable coordinate"},
		[]string{"resource"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheHitsTotal", Help: "Fresh cache hits"},
		[]string{"resource"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheErrorsTotal", Help: "Cache backend errors"},
		[]string{"op", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache backend operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op", "result"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheStampedeDetectedTotal", Help: "Concurrent misses detected on one resource"},
		[]string{"resource"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Number of concurrent misses when a stampede is detected",
			Buckets: []float64{2, 3, 5, 10, 20, 50},
		},
		[]string{"resource"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "requestCoalescingHitsTotal", Help: "Callers that joined an in-flight refresh"},
		[]string{"resource"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting on a coalesced refresh",
			Buckets: prometheus.DefBuckets,
		},
	)
	StaleCacheServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "staleCacheServesTotal", Help: "Stale entries served after a failed refresh"},
		[]string{"resource"},
	)
	StaleCacheAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleCacheAgeSeconds",
			Help:    "Age of stale entries when served",
			Buckets: []float64{60, 120, 300, 600, 1800, 3600, 21600, 86400},
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)"},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "circuitBreakerTransitionsTotal", Help: "Circuit breaker state transitions"},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by rate limiter (429)"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Cache warming runs"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingErrorsTotal", Help: "Cache warming runs with at least one failed resource"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "shutdownInFlightRequests", Help: "In-flight requests when shutdown began"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamErrorsTotal,
		RefdataServedTotal, NormalizeDroppedTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		StaleCacheServesTotal, StaleCacheAgeSeconds,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// RecordShutdownInFlight records how many requests were still running when shutdown began.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
