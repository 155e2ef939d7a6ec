// Package ext lets extensions observe the job lifecycle.
//
// Each hook is its own interface, so an extension implements only what it
// needs:
//
//	type auditor struct{}
//
//	func (auditor) Name() string { return "auditor" }
//
//	func (auditor) OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error {
//	    return alerts.Page(ctx, j.Queue, j.ID.String(), err)
//	}
//
// Hooks:
//
//   - [JobEnqueued]
//   - [JobStarted]
//   - [JobCompleted]
//   - [JobRetrying]
//   - [JobFailed] for permanent failures
//   - [JobDeadLettered] when attempts are exhausted
//   - [JobsReclaimed] when the sweeper recovers expired leases
//   - [Shutdown]
//
// Hook errors are logged at Warn and otherwise ignored.
package ext
