package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// Config defines one named queue. Zero fields take the manager defaults.
type Config struct {
	// Name is the queue identifier. It must satisfy job.ValidQueueName.
	Name string

	// Concurrency is the number of worker slots polling this queue on each
	// instance. Zero uses the worker pool default.
	Concurrency int

	// MaxAttempts is the retry budget for jobs that do not set one.
	MaxAttempts int

	// LeaseDuration is how long a leased job stays exclusive without an
	// extension.
	LeaseDuration time.Duration

	// Timeout bounds a single execution for jobs that do not set one.
	Timeout time.Duration

	// Backoff computes the delay before a failed job is retried.
	Backoff backoff.Strategy

	// RateLimit is the maximum sustained leases per second on this
	// instance. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit is
	// set.
	RateBurst int

	// Retention is how long completed and failed jobs are kept before the
	// janitor purges them.
	Retention time.Duration
}

func (c Config) withDefaults(d courier.Config) Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.Timeout <= 0 {
		c.Timeout = d.JobTimeout
	}
	if c.Backoff == nil {
		c.Backoff = backoff.NewJittered(d.BackoffBase, d.BackoffMax, 0)
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Queue is a declared queue bound to a job store. It is safe for
// concurrent use.
type Queue struct {
	cfg     Config
	store   job.Store
	exts    *ext.Registry
	logger  *slog.Logger
	limiter *rate.Limiter

	pollInterval time.Duration

	// signal wakes one poller when work may be available locally.
	signal chan struct{}
}

func newQueue(cfg Config, store job.Store, exts *ext.Registry, logger *slog.Logger, pollInterval time.Duration) *Queue {
	q := &Queue{
		cfg:          cfg,
		store:        store,
		exts:         exts,
		logger:       logger,
		pollInterval: pollInterval,
		signal:       make(chan struct{}, 1),
	}
	if cfg.RateLimit > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue validates opts and persists a new job. A job with a future
// available time starts delayed. With a dedupe key the existing live job
// may be returned instead.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts ...job.Option) (*job.Job, error) {
	o := job.Apply(opts...)
	if err := o.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      courier.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          id.NewJobID(),
		Queue:       q.cfg.Name,
		Payload:     append([]byte(nil), payload...),
		State:       job.StateWaiting,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		DedupeKey:   o.DedupeKey,
		Timeout:     o.Timeout,
		AvailableAt: o.AvailableAt(now),
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	if j.Timeout == 0 {
		j.Timeout = q.cfg.Timeout
	}
	if j.AvailableAt.After(now) {
		j.State = job.StateDelayed
	} else {
		j.AvailableAt = now
	}

	created, err := q.store.CreateJob(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("enqueue on %q: %w", q.cfg.Name, err)
	}
	if created.ID.String() != j.ID.String() {
		q.logger.Debug("enqueue deduplicated",
			slog.String("queue", q.cfg.Name),
			slog.String("dedupe_key", j.DedupeKey),
			slog.String("job_id", created.ID.String()),
		)
		return created, nil
	}

	if created.State == job.StateWaiting {
		q.Signal()
	}
	q.exts.EmitJobEnqueued(ctx, created)
	return created, nil
}

// Signal wakes one local poller. It never blocks.
func (q *Queue) Signal() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryLease attempts to lease the next waiting job without blocking. It
// returns nil, nil when nothing is available or the rate limit is spent.
func (q *Queue) TryLease(ctx context.Context, instanceID string) (*job.Job, error) {
	if q.limiter != nil && !q.limiter.Allow() {
		return nil, nil //nolint:nilnil // rate limited
	}
	j, err := q.store.LeaseJob(ctx, q.cfg.Name, instanceID, q.cfg.LeaseDuration)
	if err != nil || j == nil {
		return nil, err
	}
	// More work may be waiting; pass the wake-up on to another slot.
	q.Signal()
	return j, nil
}

// Poll blocks until a job is leased or ctx is done. Between attempts it
// waits on the local availability signal with the poll interval as a
// fallback for work enqueued by other instances.
func (q *Queue) Poll(ctx context.Context, instanceID string) (*job.Job, error) {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		j, err := q.TryLease(ctx, instanceID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Error("lease failed",
				slog.String("queue", q.cfg.Name),
				slog.String("error", err.Error()),
			)
		}
		if j != nil {
			return j, nil
		}

		wait := q.pollInterval
		if q.limiter != nil && q.limiter.Tokens() < 1 {
			wait = min(wait, time.Duration(float64(time.Second)/q.cfg.RateLimit))
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-timer.C:
		}
	}
}

// Complete reports a successful execution.
func (q *Queue) Complete(ctx context.Context, j *job.Job) (*job.Job, error) {
	return q.store.CompleteJob(ctx, j.ID, j.LeaseToken)
}

// Fail reports a failed execution. The retry delay comes from the queue's
// backoff strategy for the attempt being recorded. Errors marked with
// job.Permanent are not retried.
func (q *Queue) Fail(ctx context.Context, j *job.Job, cause error) (job.Outcome, error) {
	f := job.Failure{
		Delay:     q.cfg.Backoff.Delay(j.Attempts + 1),
		Permanent: job.IsPermanent(cause),
	}
	if cause != nil {
		f.Error = cause.Error()
	}
	out, err := q.store.FailJob(ctx, j.ID, j.LeaseToken, f)
	if err != nil {
		return out, err
	}
	if out.Kind == job.OutcomeRescheduled && out.Delay <= 0 {
		q.Signal()
	}
	return out, nil
}

// Extend pushes the lease deadline of j by the queue lease duration.
func (q *Queue) Extend(ctx context.Context, j *job.Job) error {
	return q.store.ExtendLease(ctx, j.ID, j.LeaseToken, q.cfg.LeaseDuration)
}

// IsStale reports whether err means the lease was lost.
func IsStale(err error) bool {
	return errors.Is(err, courier.ErrStaleLease)
}
