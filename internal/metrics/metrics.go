package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reana_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"backend"},
	)

	JobsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reana_jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"backend", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reana_job_duration_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5 hours
		},
		[]string{"backend", "status"},
	)

	SubmissionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reana_job_submission_retries_total",
			Help: "Total number of infrastructure-level submission retry attempts",
		},
		[]string{"backend"},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reana_job_cache_lookups_total",
			Help: "Total number of job cache lookups",
		},
		[]string{"result"}, // hit, miss
	)

	CacheHydrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reana_job_cache_hydration_seconds",
			Help:    "Time taken to hydrate a workspace from a cache hit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Registry / monitor metrics
	RegistryJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reana_registry_jobs",
			Help: "Number of live jobs currently in the in-memory registry",
		},
	)

	MonitorObservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reana_monitor_observations_total",
			Help: "Total number of backend events or polls observed by monitors",
		},
		[]string{"backend", "phase"},
	)

	MonitorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reana_monitor_errors_total",
			Help: "Total number of monitor observation errors",
		},
		[]string{"backend"},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reana_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	// Controller resource metrics
	ControllerCPUUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reana_controller_cpu_usage_percent",
			Help: "Current CPU usage percentage of the controller process host",
		},
	)

	ControllerMemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reana_controller_memory_usage_bytes",
			Help: "Current memory usage of the controller process host in bytes",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJobSubmission records a job submission metric
func RecordJobSubmission(backend string) {
	JobsSubmitted.WithLabelValues(backend).Inc()
}

// RecordJobTerminal records a job reaching a terminal status
func RecordJobTerminal(backend, status string, durationSeconds float64) {
	JobsTerminal.WithLabelValues(backend, status).Inc()
	JobDuration.WithLabelValues(backend, status).Observe(durationSeconds)
}

// RecordSubmissionRetry records an infrastructure-level submission retry
func RecordSubmissionRetry(backend string) {
	SubmissionRetries.WithLabelValues(backend).Inc()
}

// RecordCacheLookup records a cache lookup outcome
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(result).Inc()
}

// RecordMonitorObservation records one observed phase for a backend
func RecordMonitorObservation(backend, phase string) {
	MonitorObservations.WithLabelValues(backend, phase).Inc()
}

// RecordMonitorError records a monitor observation error
func RecordMonitorError(backend string) {
	MonitorErrors.WithLabelValues(backend).Inc()
}

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string) {
	APIRequests.WithLabelValues(method, endpoint, statusCode).Inc()
}

// UpdateControllerResourceUsage updates controller resource usage gauges
func UpdateControllerResourceUsage(cpuPercent, memoryBytes float64) {
	ControllerCPUUsage.Set(cpuPercent)
	ControllerMemoryUsage.Set(memoryBytes)
}
