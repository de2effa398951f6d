package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for run orchestration and policy governance.
// A nil *Metrics or one built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Module run metrics
	runsCreated   *prometheus.CounterVec
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	startFailures prometheus.Counter

	// Environment run metrics
	environmentRunsCompleted *prometheus.CounterVec

	// Scheduler metrics
	schedulerTicks  prometheus.Counter
	schedulerSweeps prometheus.Counter
	recoveredRuns   *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	queuedRuns      prometheus.Gauge

	// Policy metrics
	policyEvaluations *prometheus.CounterVec
	approvals         *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		runsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_runs_created_total",
				Help:      "Total number of module runs created",
			},
			[]string{"operation", "mode", "priority"},
		),
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_runs_started_total",
				Help:      "Total number of module runs started",
			},
			[]string{"operation", "mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_runs_completed_total",
				Help:      "Total number of module runs that reached a terminal status",
			},
			[]string{"operation", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_run_duration_seconds",
				Help:      "Duration from start to terminal status of module runs",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),
		startFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_run_start_failures_total",
				Help:      "Total number of sandbox job submissions that failed",
			},
		),
		environmentRunsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "environment_runs_completed_total",
				Help:      "Total number of environment runs that reached a terminal status",
			},
			[]string{"operation", "status"},
		),
		schedulerTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_ticks_total",
				Help:      "Total number of scheduler dequeue ticks",
			},
		),
		schedulerSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_sweeps_total",
				Help:      "Total number of scheduler expiry sweeps",
			},
		),
		recoveredRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_recovered_runs_total",
				Help:      "Runs found in flight at startup, by outcome",
			},
			[]string{"outcome"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of platform-executed runs holding an execution slot",
			},
		),
		queuedRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_runs",
				Help:      "Current number of queued module runs",
			},
		),
		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy evaluations",
			},
			[]string{"trigger", "outcome"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_approvals_total",
				Help:      "Total number of version approval decisions",
			},
			[]string{"result"},
		),
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
	}

	registry.MustRegister(
		m.runsCreated,
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.startFailures,
		m.environmentRunsCompleted,
		m.schedulerTicks,
		m.schedulerSweeps,
		m.recoveredRuns,
		m.activeRuns,
		m.queuedRuns,
		m.policyEvaluations,
		m.approvals,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) disabled() bool {
	return m == nil || m.registry == nil
}

// Run Metrics

// RecordRunCreated counts a newly created module run.
func (m *Metrics) RecordRunCreated(operation, mode, priority string) {
	if m.disabled() {
		return
	}
	m.runsCreated.WithLabelValues(operation, mode, priority).Inc()
}

// RecordRunStarted counts a module run that entered an execution phase.
func (m *Metrics) RecordRunStarted(operation, mode string) {
	if m.disabled() {
		return
	}
	m.runsStarted.WithLabelValues(operation, mode).Inc()
}

// RecordRunCompleted records a terminal module run with its duration.
func (m *Metrics) RecordRunCompleted(operation, status string, duration time.Duration) {
	if m.disabled() {
		return
	}
	m.runsCompleted.WithLabelValues(operation, status).Inc()
	if duration > 0 {
		m.runDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	}
}

// RecordStartFailure counts a failed sandbox job submission.
func (m *Metrics) RecordStartFailure() {
	if m.disabled() {
		return
	}
	m.startFailures.Inc()
}

// RecordEnvironmentRunCompleted counts a terminal environment run.
func (m *Metrics) RecordEnvironmentRunCompleted(operation, status string) {
	if m.disabled() {
		return
	}
	m.environmentRunsCompleted.WithLabelValues(operation, status).Inc()
}

// Scheduler Metrics

// RecordTick counts one dequeue tick.
func (m *Metrics) RecordTick() {
	if m.disabled() {
		return
	}
	m.schedulerTicks.Inc()
}

// RecordSweep counts one expiry sweep.
func (m *Metrics) RecordSweep() {
	if m.disabled() {
		return
	}
	m.schedulerSweeps.Inc()
}

// RecordRecoveredRun counts a run inspected during crash recovery.
// outcome is "resumed" or "timed_out".
func (m *Metrics) RecordRecoveredRun(outcome string) {
	if m.disabled() {
		return
	}
	m.recoveredRuns.WithLabelValues(outcome).Inc()
}

// SetActiveRuns sets the current number of slot-holding runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.disabled() {
		return
	}
	m.activeRuns.Set(count)
}

// SetQueuedRuns sets the current number of queued runs.
func (m *Metrics) SetQueuedRuns(count float64) {
	if m.disabled() {
		return
	}
	m.queuedRuns.Set(count)
}

// Policy Metrics

// RecordPolicyEvaluation counts a persisted policy evaluation.
func (m *Metrics) RecordPolicyEvaluation(trigger, outcome string) {
	if m.disabled() {
		return
	}
	m.policyEvaluations.WithLabelValues(trigger, outcome).Inc()
}

// RecordApproval counts a version approval decision (approved, rejected, blocked).
func (m *Metrics) RecordApproval(result string) {
	if m.disabled() {
		return
	}
	m.approvals.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.disabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.disabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
