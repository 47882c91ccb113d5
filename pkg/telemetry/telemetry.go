package telemetry

import (
	"context"
	"errors"
	"time"
)

// Telemetry bundles the logger, tracer and metrics of one updater process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Nop returns a telemetry instance that records nothing.
func Nop() *Telemetry {
	m, _ := NewMetrics(MetricsConfig{})
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  NopTracer(),
		Metrics: m,
		Config:  DefaultConfig(),
	}
}

// Shutdown writes the metrics textfile and flushes pending spans. Both are
// attempted even if the first fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	timeout := t.Config.Tracing.ExportTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return errors.Join(
		t.Metrics.WriteTextfile(),
		t.Tracer.Shutdown(ctx),
	)
}
