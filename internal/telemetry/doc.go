// Package telemetry sets up OpenTelemetry tracing and metrics for actiond.
//
// Spans and counters are created in the core packages through
// otel.Tracer and otel.Meter; New installs the OTLP-backed providers
// globally so those calls export. When telemetry is disabled or the
// exporters cannot be built the global no-op providers remain and the
// service runs unchanged.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sampling_rate: 1.0
//	  export_interval: 15s
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
