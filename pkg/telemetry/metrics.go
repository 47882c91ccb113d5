package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for update attempts.
type Metrics struct {
	config MetricsConfig

	attempts      *prometheus.CounterVec
	exits         *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	errorCode     prometheus.Gauge
	causeCode     prometheus.Gauge
	retryRequests prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
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

		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of update attempts started",
			},
			[]string{"version", "retry"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exits_total",
				Help:      "Total number of update attempts by process exit code",
			},
			[]string{"code"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of each execution phase in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		errorCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "error_code",
				Help:      "Error code reported by the last failed attempt (-1 for none)",
			},
		),
		causeCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cause_code",
				Help:      "Cause code reported by the last failed attempt (-1 for none)",
			},
		),
		retryRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_requests_total",
				Help:      "Total number of retry requests sent to the supervisor",
			},
		),
	}

	registry.MustRegister(
		m.attempts,
		m.exits,
		m.phaseDuration,
		m.errorCode,
		m.causeCode,
		m.retryRequests,
	)

	m.errorCode.Set(-1)
	m.causeCode.Set(-1)

	return m, nil
}

// RecordAttempt counts a started attempt.
func (m *Metrics) RecordAttempt(version int, retry bool) {
	if m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(strconv.Itoa(version), strconv.FormatBool(retry)).Inc()
}

// RecordPhase observes the duration of one execution phase.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordExit counts the process exit code of an attempt.
func (m *Metrics) RecordExit(code int) {
	if m.exits == nil {
		return
	}
	m.exits.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordFailure sets the error and cause code gauges.
func (m *Metrics) RecordFailure(errorCode, causeCode int) {
	if m.errorCode == nil {
		return
	}
	m.errorCode.Set(float64(errorCode))
	m.causeCode.Set(float64(causeCode))
}

// RecordRetryRequest counts a retry request.
func (m *Metrics) RecordRetryRequest() {
	if m.retryRequests == nil {
		return
	}
	m.retryRequests.Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the collected metrics to the configured textfile.
// It does nothing when metrics are disabled.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.TextfilePath), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
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
