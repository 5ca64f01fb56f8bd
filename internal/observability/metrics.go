package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/sonde-alert-service/internal/feedhealth"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the viewer surface.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent viewer requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Rate limit denials on the viewer surface.
	RateLimitDeniedTotal prometheus.Counter

	// Feed fetches by outcome. Watch for: sustained error/server_error (upstream down or blocking our UA).
	FeedFetchesTotal *prometheus.CounterVec

	// Feed fetch latency. Watch for: p99 near the configured feed timeout.
	FeedFetchDuration *prometheus.HistogramVec

	// Rows dropped by row-level parsing, by offending field. Watch for: layout changes upstream.
	FeedRowsSkippedTotal *prometheus.CounterVec

	// Feed circuit breaker state (0=closed, 1=half_open, 2=open).
	FeedCircuitBreakerState prometheus.Gauge

	// Sondes inside the alert / display radius in the latest cycle.
	SondesInAlertRadius   prometheus.Gauge
	SondesInDisplayRadius prometheus.Gauge

	// Notification attempts by outcome (sent, failed).
	NotificationsTotal *prometheus.CounterVec

	// Notification send latency.
	NotifyDuration *prometheus.HistogramVec

	// Ledger I/O failures. Any write error means a possible duplicate after restart.
	LedgerWriteErrorsTotal prometheus.Counter
	LedgerReadErrorsTotal  prometheus.Counter

	// Number of ids in the ledger.
	LedgerEntries prometheus.Gauge

	// Completed cycles by outcome (ok, fetch_error).
	CyclesTotal *prometheus.CounterVec

	// Wall time of one full cycle including all sends.
	CycleDuration prometheus.Histogram

	// Unix time the last cycle finished. The live view's "last update".
	LastCycleTimestamp prometheus.Gauge

	feedHealthGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
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
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	FeedFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedFetchesTotal",
			Help: "Total number of sonde feed fetches",
		},
		[]string{"status"},
	)
	FeedFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedFetchDurationSeconds",
			Help:    "Sonde feed fetch latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	FeedRowsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedRowsSkippedTotal",
			Help: "Feed rows skipped by row-level parsing, by offending field",
		},
		[]string{"field"},
	)
	FeedCircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedCircuitBreakerState",
			Help: "Feed circuit breaker state: 0=closed, 1=half_open, 2=open",
		},
	)
	SondesInAlertRadius = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sondesInAlertRadius",
			Help: "Sondes inside the alert radius in the latest cycle",
		},
	)
	SondesInDisplayRadius = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sondesInDisplayRadius",
			Help: "Sondes inside the display radius in the latest cycle",
		},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notificationsTotal",
			Help: "Notification attempts by outcome",
		},
		[]string{"status"},
	)
	NotifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyDurationSeconds",
			Help:    "Notification send latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	LedgerWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerWriteErrorsTotal",
			Help: "Failed ledger appends; each one risks a duplicate notification after restart",
		},
	)
	LedgerReadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerReadErrorsTotal",
			Help: "Failed ledger loads (membership checks failed open)",
		},
	)
	LedgerEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerEntries",
			Help: "Number of sonde ids recorded as notified",
		},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclesTotal",
			Help: "Completed alert cycles by outcome",
		},
		[]string{"outcome"},
	)
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cycleDurationSeconds",
			Help:    "Alert cycle duration in seconds, including all notification sends",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	LastCycleTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastCycleTimestampSeconds",
			Help: "Unix time the last alert cycle completed",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, RateLimitDeniedTotal,
		FeedFetchesTotal, FeedFetchDuration, FeedRowsSkippedTotal, FeedCircuitBreakerState,
		SondesInAlertRadius, SondesInDisplayRadius,
		NotificationsTotal, NotifyDuration,
		LedgerWriteErrorsTotal, LedgerReadErrorsTotal, LedgerEntries,
		CyclesTotal, CycleDuration, LastCycleTimestamp,
	)
}

// RegisterFeedHealthGauges registers gauges over the fetch outcome window used by /health.
// Call from main after config load with cfg.DegradedWindow.
func RegisterFeedHealthGauges(window time.Duration) {
	feedHealthGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "feedErrorsInWindow",
					Help: "Failed feed fetches in the degraded window",
				},
				func() float64 {
					return float64(feedhealth.Window(window).Failures)
				},
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "feedCyclesInWindow",
					Help: "Feed fetches (ok + failed) in the degraded window",
				},
				func() float64 {
					return float64(feedhealth.Window(window).Fetches)
				},
			),
		)
	})
}

// CircuitBreakerStateValue maps a breaker state name to the feedCircuitBreakerState gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open", "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordCycle records completion of one alert cycle.
func RecordCycle(outcome string, duration time.Duration, finishedAt time.Time) {
	CyclesTotal.WithLabelValues(outcome).Inc()
	CycleDuration.Observe(duration.Seconds())
	LastCycleTimestamp.Set(float64(finishedAt.Unix()))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
