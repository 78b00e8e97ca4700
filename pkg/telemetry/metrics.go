package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the decision engine.
type Metrics struct {
	config MetricsConfig

	// Decision metrics
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	findingsTotal    *prometheus.CounterVec

	// Override metrics
	overridesTotal *prometheus.CounterVec

	// Decision log metrics
	logAppends          prometheus.Counter
	chainVerifyFailures prometheus.Counter

	// Snapshot metrics
	snapshotFetches *prometheus.CounterVec

	// System metrics
	activeEvaluations prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
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

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of policy decisions by severity and outcome",
			},
			[]string{"severity", "outcome"},
		),
		decisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Duration of policy evaluation in seconds",
				Buckets:   buckets,
			},
			[]string{"category"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total number of triggered findings by code and severity",
			},
			[]string{"code", "severity"},
		),
		overridesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overrides_total",
				Help:      "Total number of override operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		logAppends: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decision_log_appends_total",
				Help:      "Total number of decision log records appended",
			},
		),
		chainVerifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_verify_failures_total",
				Help:      "Total number of decision log chain verification failures",
			},
		),
		snapshotFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_fetches_total",
				Help:      "Total number of data source fetches by source and result",
			},
			[]string{"source", "result"},
		),
		activeEvaluations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_evaluations",
				Help:      "Number of evaluations currently in flight",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.decisionsTotal,
		m.decisionDuration,
		m.findingsTotal,
		m.overridesTotal,
		m.logAppends,
		m.chainVerifyFailures,
		m.snapshotFetches,
		m.activeEvaluations,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordDecision records a completed evaluation.
func (m *Metrics) RecordDecision(severity, outcome, category string, elapsed time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.decisionsTotal.WithLabelValues(severity, outcome).Inc()
	m.decisionDuration.WithLabelValues(category).Observe(elapsed.Seconds())
}

// RecordFinding records one triggered finding.
func (m *Metrics) RecordFinding(code, severity string) {
	if !m.config.Enabled {
		return
	}
	m.findingsTotal.WithLabelValues(code, severity).Inc()
}

// RecordOverride records an override operation outcome.
func (m *Metrics) RecordOverride(operation, result string) {
	if !m.config.Enabled {
		return
	}
	m.overridesTotal.WithLabelValues(operation, result).Inc()
}

// RecordLogAppend records a decision log append.
func (m *Metrics) RecordLogAppend() {
	if !m.config.Enabled {
		return
	}
	m.logAppends.Inc()
}

// RecordChainVerifyFailure records a failed chain verification.
func (m *Metrics) RecordChainVerifyFailure() {
	if !m.config.Enabled {
		return
	}
	m.chainVerifyFailures.Inc()
}

// RecordSnapshotFetch records one upstream source fetch.
func (m *Metrics) RecordSnapshotFetch(source, result string) {
	if !m.config.Enabled {
		return
	}
	m.snapshotFetches.WithLabelValues(source, result).Inc()
}

// EvaluationStarted increments the in-flight evaluation gauge.
func (m *Metrics) EvaluationStarted() {
	if !m.config.Enabled {
		return
	}
	m.activeEvaluations.Inc()
}

// EvaluationFinished decrements the in-flight evaluation gauge.
func (m *Metrics) EvaluationFinished() {
	if !m.config.Enabled {
		return
	}
	m.activeEvaluations.Dec()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server in the background.
func (m *Metrics) StartServer() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The metrics endpoint is best-effort; a bind failure must
			// not take down the decision path.
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Close shuts down the metrics server if one is running.
func (m *Metrics) Close() error {
	if m.server != nil {
		return m.server.Close()
	}
	return nil
}
