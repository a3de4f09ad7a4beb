package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the judge engine.
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	TestRunsTotal      *prometheus.CounterVec
	CompileDuration    *prometheus.HistogramVec
	ActiveJobs         prometheus.Gauge
	SecurityViolations *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	JanitorRemoved     prometheus.Counter
	LedgerDropped      prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "judge",
				Name:      "jobs_total",
				Help:      "Total number of jobs by mode, language and verdict.",
			},
			[]string{"mode", "language", "verdict"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "judge",
				Name:      "job_duration_seconds",
				Help:      "End-to-end duration of jobs in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "language"},
		),

		TestRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "judge",
				Name:      "test_runs_total",
				Help:      "Total hidden test executions by language and outcome.",
			},
			[]string{"language", "outcome"},
		),

		CompileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "judge",
				Name:      "compile_duration_seconds",
				Help:      "Duration of compile steps in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
			},
			[]string{"language"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "judge",
				Name:      "active_jobs",
				Help:      "Number of jobs currently being processed.",
			},
		),

		SecurityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "judge",
				Name:      "security_violations_total",
				Help:      "Total source validator rule matches.",
			},
			[]string{"rule"},
		),

		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "judge",
				Name:      "rate_limited_total",
				Help:      "Total requests refused by admission control.",
			},
			[]string{"mode"},
		),

		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "judge",
				Name:      "upstream_errors_total",
				Help:      "Total problem store failures by operation.",
			},
			[]string{"op"},
		),

		JanitorRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "judge",
				Name:      "janitor_removed_total",
				Help:      "Total stale workspaces removed by the janitor.",
			},
		),

		LedgerDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "judge",
				Subsystem: "ledger",
				Name:      "dropped_total",
				Help:      "Submission records dropped because the buffer was full or writes kept failing.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "judge",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "judge",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "judge",
				Name:      "output_size_bytes",
				Help:      "Size of run-mode output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.TestRunsTotal,
		m.CompileDuration,
		m.ActiveJobs,
		m.SecurityViolations,
		m.RateLimited,
		m.UpstreamErrors,
		m.JanitorRemoved,
		m.LedgerDropped,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordJob records metrics for a finished job.
func (m *Metrics) RecordJob(mode, language, verdict string, durationSec float64) {
	m.JobsTotal.WithLabelValues(mode, language, verdict).Inc()
	m.JobDuration.WithLabelValues(mode, language).Observe(durationSec)
}

// RecordTestRun records one hidden test execution.
func (m *Metrics) RecordTestRun(language, outcome string) {
	m.TestRunsTotal.WithLabelValues(language, outcome).Inc()
}

// RecordCompile records a compile step.
func (m *Metrics) RecordCompile(language string, durationSec float64) {
	m.CompileDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordSecurityViolation records a validator rule match.
func (m *Metrics) RecordSecurityViolation(rule string) {
	m.SecurityViolations.WithLabelValues(rule).Inc()
}

// RecordRateLimited records a refused admission.
func (m *Metrics) RecordRateLimited(mode string) {
	m.RateLimited.WithLabelValues(mode).Inc()
}

// RecordUpstreamError records a problem store failure.
func (m *Metrics) RecordUpstreamError(op string) {
	m.UpstreamErrors.WithLabelValues(op).Inc()
}
