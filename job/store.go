package job

import (
	"context"
	"time"

	"github.com/xraph/courier/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by state. Empty means all states.
	State State
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	Queue string
	State State
}

// Failure describes a failed execution being reported.
type Failure struct {
	// Error is retained as the job's LastError.
	Error string
	// Delay is applied when the job is rescheduled.
	Delay time.Duration
	// Permanent moves the job straight to failed.
	Permanent bool
}

// OutcomeKind is what a failure report did to the job.
type OutcomeKind string

const (
	OutcomeRescheduled  OutcomeKind = "rescheduled"
	OutcomeDeadLettered OutcomeKind = "dead_lettered"
	OutcomeFailed       OutcomeKind = "failed"
)

// Outcome is the result of Store.FailJob.
type Outcome struct {
	Kind OutcomeKind
	// Delay is set for OutcomeRescheduled.
	Delay time.Duration
	// Job is the job after the transition.
	Job *Job
}

// Store defines the persistence contract for jobs. Every transition is
// atomic with respect to the job's current state.
type Store interface {
	// CreateJob persists a new waiting or delayed job and assigns Seq.
	// When DedupeKey is set and a job with the same key exists in the same
	// queue, the existing job is returned unchanged.
	CreateJob(ctx context.Context, j *Job) (*Job, error)

	// LeaseJob moves the highest priority, oldest waiting job of queue to
	// active under a fresh lease token. It returns nil, nil when nothing
	// is waiting.
	LeaseJob(ctx context.Context, queue, instanceID string, lease time.Duration) (*Job, error)

	// CompleteJob records a successful attempt. It returns
	// courier.ErrStaleLease if the job is not active under token.
	CompleteJob(ctx context.Context, jobID id.JobID, token string) (*Job, error)

	// FailJob records a failed attempt and reschedules, fails or
	// dead-letters the job. It returns courier.ErrStaleLease if the job is
	// not active under token.
	FailJob(ctx context.Context, jobID id.JobID, token string, f Failure) (Outcome, error)

	// ExtendLease pushes the lease deadline to now+lease.
	ExtendLease(ctx context.Context, jobID id.JobID, token string, lease time.Duration) error

	// PromoteDelayed moves delayed jobs due at now to waiting.
	PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error)

	// ReclaimExpired moves active jobs whose lease expired before now back
	// to waiting. The attempt count is unchanged.
	ReclaimExpired(ctx context.Context, queue string, now time.Time) (int, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs ordered by creation.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// PurgeFinished deletes completed and failed jobs of queue that
	// finished before the given time.
	PurgeFinished(ctx context.Context, queue string, before time.Time) (int, error)
}
