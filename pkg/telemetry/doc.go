// Package telemetry provides the observability stack for the layer
// build orchestrator: structured logging via zerolog, Prometheus
// metrics for build and garbage collection activity, and OpenTelemetry
// tracing with stdout and OTLP exporters. The Telemetry type bundles
// the three and travels through context.
package telemetry
