// Package telemetry provides logging, tracing and metrics for the updater.
//
// Logging uses zerolog. The default output is stdout in console format
// without colours, because the supervisor redirects the updater's stdout
// into the recovery log:
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	logger = logger.NewComponentLogger("driver").WithAttemptID(id)
//	logger.Infof("loading %s", path)
//
// Tracing uses OpenTelemetry with a span per execution phase under one
// attempt span. Exporters are none, stdout (written to stderr) and otlp.
//
// The updater is a one-shot process, so metrics are not served over HTTP.
// They are collected in a private Prometheus registry and written once at
// shutdown to a textfile for the node exporter textfile collector:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	defer tel.Shutdown(context.Background())
//	tel.Metrics.RecordExit(code)
package telemetry
