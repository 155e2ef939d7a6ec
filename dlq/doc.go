// Package dlq inspects and recovers jobs that exhausted their retry budget.
//
// A dead-lettered job stays in the job store in the dead_lettered state,
// with its payload, attempt count and last error intact, until an operator
// replays or purges it. Dead letters are never garbage-collected by the
// janitor.
//
// # Service
//
//	svc := dlq.NewService(manager)
//
//	entries, _ := svc.List(ctx, "email", 50, 0)
//	j, _ := svc.Replay(ctx, entries[0].JobID)
//	n, _ := svc.Purge(ctx, "email")
//
// # Replay
//
// Replaying creates a fresh waiting job on the same queue with the same
// payload, priority, timeout and max attempts, then deletes the
// dead-lettered record. The new job does not inherit the dedupe key.
//
// # Admin API
//
// The service backs the HTTP routes:
//
//	GET    /v1/deadletters?queue=         List
//	POST   /v1/deadletters/{id}/replay    Replay
//	DELETE /v1/deadletters?queue=         Purge
package dlq
