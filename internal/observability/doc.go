// Package observability wires logging, metrics and tracing for the fabric.
//
// Logging is log/slog with a handler that redacts credentials before records
// reach the output. Metrics are Prometheus collectors registered against a
// caller-supplied registerer so tests can use an isolated registry. Tracing
// uses OpenTelemetry with an OTLP gRPC exporter and falls back to the global
// no-op provider when no endpoint is configured.
//
// Every helper on *Metrics and *Tracer accepts a nil receiver, so components
// can take them as optional dependencies.
package observability
