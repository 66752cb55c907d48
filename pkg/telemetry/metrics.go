package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Conveyor.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Job instance metrics
	instancesExecuted *prometheus.CounterVec
	instanceDuration  *prometheus.HistogramVec
	stepsExecuted     *prometheus.CounterVec

	// Cache metrics
	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheBytes     *prometheus.CounterVec

	// Artifact metrics
	artifactUploads *prometheus.CounterVec
	artifactBytes   prometheus.Counter

	// Approval metrics
	approvalsResolved *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns       prometheus.Gauge
	blockedInstances prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"workflow", "event"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Job instance metrics
		instancesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_instances_total",
				Help:      "Total number of job instances by terminal status",
			},
			[]string{"job", "status"},
		),
		instanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_instance_duration_seconds",
				Help:      "Duration of job instance execution in seconds",
				Buckets:   buckets,
			},
			[]string{"job"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"status"},
		),

		// Cache metrics
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of cache lookups by result",
			},
			[]string{"result"},
		),
		cacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of cache entries evicted",
			},
		),
		cacheBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_bytes_total",
				Help:      "Total bytes moved through the cache",
			},
			[]string{"direction"},
		),

		// Artifact metrics
		artifactUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_uploads_total",
				Help:      "Total number of artifact uploads by result",
			},
			[]string{"result"},
		),
		artifactBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_bytes_total",
				Help:      "Total artifact bytes uploaded",
			},
		),

		// Approval metrics
		approvalsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_resolved_total",
				Help:      "Total number of environment approvals by outcome",
			},
			[]string{"environment", "outcome"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		blockedInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocked_instances",
				Help:      "Current number of instances held at environment gates",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.instancesExecuted,
		m.instanceDuration,
		m.stepsExecuted,
		m.cacheLookups,
		m.cacheEvictions,
		m.cacheBytes,
		m.artifactUploads,
		m.artifactBytes,
		m.approvalsResolved,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.blockedInstances,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(workflow, event string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow, event).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Job Instance Metrics

// RecordInstance records a job instance reaching a terminal status.
func (m *Metrics) RecordInstance(job, status string, duration time.Duration) {
	if m.instancesExecuted == nil {
		return
	}
	m.instancesExecuted.WithLabelValues(job, status).Inc()
	if duration > 0 {
		m.instanceDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// RecordStep records a step result.
func (m *Metrics) RecordStep(status string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(status).Inc()
}

// Cache Metrics

// RecordCacheLookup records a cache lookup result (hit, restore, miss).
func (m *Metrics) RecordCacheLookup(result string) {
	if m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheEviction counts evicted cache entries.
func (m *Metrics) RecordCacheEviction(count int) {
	if m.cacheEvictions == nil {
		return
	}
	m.cacheEvictions.Add(float64(count))
}

// RecordCacheBytes counts bytes read from or written to the cache.
func (m *Metrics) RecordCacheBytes(direction string, n int64) {
	if m.cacheBytes == nil {
		return
	}
	m.cacheBytes.WithLabelValues(direction).Add(float64(n))
}

// Artifact Metrics

// RecordArtifactUpload records an upload attempt and its size.
func (m *Metrics) RecordArtifactUpload(result string, size int64) {
	if m.artifactUploads == nil {
		return
	}
	m.artifactUploads.WithLabelValues(result).Inc()
	if size > 0 {
		m.artifactBytes.Add(float64(size))
	}
}

// Approval Metrics

// RecordApproval records a resolved environment approval.
func (m *Metrics) RecordApproval(environment, outcome string) {
	if m.approvalsResolved == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(environment, outcome).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetBlockedInstances sets the number of gate-held instances.
func (m *Metrics) SetBlockedInstances(count float64) {
	if m.blockedInstances == nil {
		return
	}
	m.blockedInstances.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
