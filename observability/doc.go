// Package observability records system-wide OpenTelemetry metrics for
// courier. MetricsExtension implements the ext lifecycle hooks and counts
// enqueues, completions, retries, permanent failures, dead letters and
// reclaimed leases per queue. RegisterStats exposes the event bus and
// stream broker counters as observable instruments.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
