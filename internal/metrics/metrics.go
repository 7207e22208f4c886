// Package metrics provides Prometheus metrics for monitoring Resolvarr.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolvarr_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolvarr_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"command"},
	)

	// ResolutionsTotal counts resolutions by site and how they terminated.
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolvarr_resolutions_total",
			Help: "Total resolutions by site and termination reason",
		},
		[]string{"site", "termination"},
	)

	// ResolutionHops tracks how many fetches a resolution needed.
	ResolutionHops = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolvarr_resolution_hops",
			Help:    "Number of fetches per resolution",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		},
		[]string{"site"},
	)

	// HeadlessEscalations counts static resolutions escalated to a browser.
	HeadlessEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolvarr_headless_escalations_total",
			Help: "Resolutions escalated from static to headless",
		},
	)

	// DecodeHookResults counts decode hook outcomes by hook name.
	DecodeHookResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolvarr_decode_hook_results_total",
			Help: "Decode hook outcomes by hook and result",
		},
		[]string{"hook", "outcome"},
	)

	// BrowserPoolSize shows the configured pool size.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolvarr_browser_pool_size",
			Help: "Configured browser pool size",
		},
	)

	// BrowserPoolAvailable shows available browsers in the pool.
	BrowserPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolvarr_browser_pool_available",
			Help: "Available browsers in pool",
		},
	)

	// BrowserPoolAcquired counts total browser acquisitions.
	BrowserPoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolvarr_browser_pool_acquired_total",
			Help: "Total browser acquisitions from pool",
		},
	)

	// BrowserPoolRecycled counts browser recycles.
	BrowserPoolRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolvarr_browser_pool_recycled_total",
			Help: "Total browsers recycled",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolvarr_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolvarr_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolvarr_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resolvarr_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ResolutionsTotal,
		ResolutionHops,
		HeadlessEscalations,
		DecodeHookResults,
		BrowserPoolSize,
		BrowserPoolAvailable,
		BrowserPoolAcquired,
		BrowserPoolRecycled,
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

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordResolution records a finished resolution.
func RecordResolution(site, termination string, hops int) {
	if site == "" {
		site = "generic"
	}
	ResolutionsTotal.WithLabelValues(site, termination).Inc()
	ResolutionHops.WithLabelValues(site).Observe(float64(hops))
}

// RecordEscalation records a static resolution handed to the browser.
func RecordEscalation() {
	HeadlessEscalations.Inc()
}

// RecordDecodeHook records a decode hook outcome.
func RecordDecodeHook(hook, outcome string) {
	DecodeHookResults.WithLabelValues(hook, outcome).Inc()
}

// UpdatePoolMetrics updates the browser pool gauges.
func UpdatePoolMetrics(size, available int) {
	BrowserPoolSize.Set(float64(size))
	BrowserPoolAvailable.Set(float64(available))
}
