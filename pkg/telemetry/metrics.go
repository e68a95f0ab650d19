package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the build orchestrator.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	buildsStarted   *prometheus.CounterVec
	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	compileDuration *prometheus.HistogramVec

	// Feature metrics
	featuresRegistered *prometheus.CounterVec
	featuresDeduped    prometheus.Counter

	// GC metrics
	gcPasses    *prometheus.CounterVec
	gcReclaimed prometheus.Counter
	gcSkipped   prometheus.Counter
	gcDuration  prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activeBuilds prometheus.Gauge

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		buildsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_started_total",
				Help:      "Total number of layer builds started",
			},
			[]string{"flavor"},
		),
		buildsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of layer builds completed",
			},
			[]string{"status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "End to end duration of layer builds in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Duration of the compiler subprocess in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		featuresRegistered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_registered_total",
				Help:      "Total number of features registered into manifests",
			},
			[]string{"kind"},
		),
		featuresDeduped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_deduplicated_total",
				Help:      "Total number of duplicate feature declarations collapsed",
			},
		),

		gcPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_passes_total",
				Help:      "Total number of garbage collection passes",
			},
			[]string{"outcome"},
		),
		gcReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_reclaimed_total",
				Help:      "Total number of snapshot wrappers reclaimed",
			},
		),
		gcSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_skipped_total",
				Help:      "Total number of wrappers skipped because their state could not be proven dead",
			},
		),
		gcDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gc_duration_seconds",
				Help:      "Duration of garbage collection passes in seconds",
				Buckets:   buckets,
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of build errors by classification",
			},
			[]string{"class"},
		),

		activeBuilds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_builds",
				Help:      "Current number of in-flight layer builds",
			},
		),
	}

	registry.MustRegister(
		m.buildsStarted,
		m.buildsCompleted,
		m.buildDuration,
		m.compileDuration,
		m.featuresRegistered,
		m.featuresDeduped,
		m.gcPasses,
		m.gcReclaimed,
		m.gcSkipped,
		m.gcDuration,
		m.errorsByClass,
		m.activeBuilds,
	)

	return m, nil
}

// RecordBuildActive marks one build in flight. It pairs with
// RecordBuildCompleted, which decrements the gauge; callers must emit
// the pair on every path or the gauge drifts.
func (m *Metrics) RecordBuildActive() {
	if m.activeBuilds == nil {
		return
	}
	m.activeBuilds.Inc()
}

// RecordBuildStarted counts a build whose flavor resolved. Unlike the
// in-flight gauge this is recorded only once manifest generation
// succeeds, since the label is the resolved flavor.
func (m *Metrics) RecordBuildStarted(flavor string) {
	if m.buildsStarted == nil {
		return
	}
	m.buildsStarted.WithLabelValues(flavor).Inc()
}

// RecordBuildCompleted records a completed build with its status and duration.
func (m *Metrics) RecordBuildCompleted(status string, duration time.Duration) {
	if m.buildsCompleted == nil {
		return
	}
	m.buildsCompleted.WithLabelValues(status).Inc()
	m.buildDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeBuilds.Dec()
}

// RecordCompile records one compiler subprocess run.
func (m *Metrics) RecordCompile(status string, duration time.Duration) {
	if m.compileDuration == nil {
		return
	}
	m.compileDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordFeatureRegistered counts a feature added to a manifest.
func (m *Metrics) RecordFeatureRegistered(kind string) {
	if m.featuresRegistered == nil {
		return
	}
	m.featuresRegistered.WithLabelValues(kind).Inc()
}

// RecordFeaturesDeduped counts duplicate declarations collapsed away
// during one manifest build.
func (m *Metrics) RecordFeaturesDeduped(count int) {
	if m.featuresDeduped == nil {
		return
	}
	m.featuresDeduped.Add(float64(count))
}

// RecordGCPass records one garbage collection pass.
func (m *Metrics) RecordGCPass(outcome string, reclaimed, skipped int, duration time.Duration) {
	if m.gcPasses == nil {
		return
	}
	m.gcPasses.WithLabelValues(outcome).Inc()
	m.gcReclaimed.Add(float64(reclaimed))
	m.gcSkipped.Add(float64(skipped))
	m.gcDuration.Observe(duration.Seconds())
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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
