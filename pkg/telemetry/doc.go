// Package telemetry provides structured logging (zerolog), distributed
// tracing (OpenTelemetry), Prometheus metrics, and best-effort event
// publishing for the gavel decision engine. Override lifecycle
// notifications are delivered through the event publisher; delivery
// never blocks a state transition.
package telemetry
