// Package telemetry sets up OpenTelemetry tracing and metrics export.
//
// Every instrumented package asks the global provider for its tracer and
// meter; New installs OTLP-backed providers when telemetry is enabled:
//
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Exporter failures degrade telemetry instead of failing the run. Tests use
// NewTestTelemetry, which records spans and metrics in memory.
package telemetry
