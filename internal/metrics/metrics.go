// Package metrics provides Prometheus metrics for monitoring the extraction service.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Restart reasons used as label values on BrowserRestarts.
const (
	RestartReasonIdle   = "idle"
	RestartReasonMaxAge = "max_age"
)

// Extraction outcome label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	ErrorTypeNone         = "none"
	ErrorTypeTimeout      = "timeout"
	ErrorTypeCircuitOpen  = "circuit_open"
	ErrorTypeBrowserError = "browser_error"
)

var (
	// BrowserLaunches counts browser process launches.
	BrowserLaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamsnare_browser_launches_total",
			Help: "Total browser launches",
		},
	)

	// BrowserLaunchFailures counts failed launch attempts.
	BrowserLaunchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamsnare_browser_launch_failures_total",
			Help: "Total browser launch failures",
		},
	)

	// BrowserDisconnects counts unexpected browser disconnects.
	BrowserDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamsnare_browser_disconnects_total",
			Help: "Total unexpected browser disconnects",
		},
	)

	// BrowserRestarts counts deliberate browser restarts by reason.
	BrowserRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsnare_browser_restarts_total",
			Help: "Total browser restarts by reason",
		},
		[]string{"reason"},
	)

	// CircuitBreakerOpen is 1 while the launch circuit breaker is open.
	CircuitBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamsnare_circuit_breaker_open",
			Help: "Whether the browser launch circuit breaker is open (0/1)",
		},
	)

	// CircuitBreakerTrips counts breaker open transitions.
	CircuitBreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamsnare_circuit_breaker_trips_total",
			Help: "Total circuit breaker trips",
		},
	)

	// Extractions counts completed extractions by outcome.
	Extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsnare_extractions_total",
			Help: "Total extractions by status and error type",
		},
		[]string{"status", "error_type"},
	)

	// ExtractionDuration tracks admitted-extraction duration by status.
	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamsnare_extraction_duration_seconds",
			Help:    "Extraction duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s to ~64s
		},
		[]string{"status"},
	)

	// QueueDepth shows tasks waiting for admission.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamsnare_queue_depth",
			Help: "Extractions waiting for admission",
		},
	)

	// ActiveExtractions shows admitted, running extractions.
	ActiveExtractions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamsnare_active_extractions",
			Help: "Admitted extractions currently running",
		},
	)

	// QueueWait tracks enqueue-to-admission latency.
	QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamsnare_queue_wait_seconds",
			Help:    "Time spent waiting for admission",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
	)

	// ContextCreation tracks browser context creation latency.
	ContextCreation = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamsnare_context_creation_seconds",
			Help:    "Browser context creation latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
	)

	// ManifestDetection tracks admission-to-manifest-sighting latency.
	ManifestDetection = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamsnare_manifest_detection_seconds",
			Help:    "Time from admission to first manifest request",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
		},
	)

	// HTTPRequestsTotal counts API requests by endpoint and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsnare_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"endpoint", "status"},
	)

	// HTTPRequestDuration tracks API request duration by endpoint.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamsnare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"endpoint"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamsnare_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamsnare_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamsnare_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamsnare_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		BrowserLaunches,
		BrowserLaunchFailures,
		BrowserDisconnects,
		BrowserRestarts,
		CircuitBreakerOpen,
		CircuitBreakerTrips,
		Extractions,
		ExtractionDuration,
		QueueDepth,
		ActiveExtractions,
		QueueWait,
		ContextCreation,
		ManifestDetection,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordExtraction records a completed extraction outcome.
func RecordExtraction(status, errorType string, duration time.Duration) {
	Extractions.WithLabelValues(status, errorType).Inc()
	ExtractionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordHTTPRequest records metrics for a completed API request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

// updateMemoryMetrics updates memory-related metrics.
func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
