// Package middleware provides composable middleware for job execution.
//
// Middleware are composed with [Chain]; the first one listed is the
// outermost:
//
//	chain := middleware.Chain(
//	    middleware.Logging(logger),
//	    middleware.Recover(logger),
//	    middleware.Tracing(),
//	    middleware.Metrics(),
//	    middleware.Timeout(logger),
//	)
//
// Built in:
//
//   - [Logging] logs each attempt and its outcome
//   - [Recover] turns panics into errors
//   - [Timeout] enforces the job's budget and returns courier.ErrTimeout
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records duration and outcome counters
//
// The running job is also available to handlers through job.FromContext.
package middleware
