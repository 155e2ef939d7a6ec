// Package worker runs leased jobs. An Executor invokes the registered
// handler through middleware and reports the outcome; a Pool runs the
// per-queue slots that poll, execute and keep leases alive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/queue"
)

// Executor runs one job through middleware and the registered handler,
// then records the outcome and emits lifecycle events.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:   registry,
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Registry returns the handler registry.
func (e *Executor) Registry() *job.Registry { return e.registry }

// Run executes the handler for j and returns its error unchanged.
func (e *Executor) Run(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Queue)
	if !ok {
		return fmt.Errorf("%w for queue %q", courier.ErrNoHandler, j.Queue)
	}
	ctx = job.WithJob(ctx, j)
	return e.mw(ctx, j, func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	})
}

// Report records the result of one execution of j on q. A lost lease is
// logged and returned as courier.ErrStaleLease; the caller treats it as
// non-fatal.
func (e *Executor) Report(ctx context.Context, q *queue.Queue, j *job.Job, runErr error, elapsed time.Duration) error {
	if runErr == nil {
		done, err := q.Complete(ctx, j)
		if err != nil {
			return e.reportFailed(j, "complete", err)
		}
		e.extensions.EmitJobCompleted(ctx, done, elapsed)
		return nil
	}

	out, err := q.Fail(ctx, j, runErr)
	if err != nil {
		return e.reportFailed(j, "fail", err)
	}

	switch out.Kind {
	case job.OutcomeRescheduled:
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", out.Job.Attempts),
			slog.Int("max_attempts", out.Job.MaxAttempts),
			slog.Duration("delay", out.Delay),
			slog.String("error", runErr.Error()),
		)
		e.extensions.EmitJobRetrying(ctx, out.Job, out.Job.Attempts, out.Job.AvailableAt)

	case job.OutcomeFailed:
		e.logger.Warn("job failed permanently",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", out.Job.Attempts),
			slog.String("error", runErr.Error()),
		)
		e.extensions.EmitJobFailed(ctx, out.Job, fmt.Errorf("%w: %w", courier.ErrHandler, runErr))

	case job.OutcomeDeadLettered:
		e.logger.Error("job dead-lettered after exhausting attempts",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempts", out.Job.Attempts),
			slog.String("error", runErr.Error()),
		)
		e.extensions.EmitJobDeadLettered(ctx, out.Job, fmt.Errorf("%w: %w", courier.ErrDeadLettered, runErr))
	}
	return nil
}

func (e *Executor) reportFailed(j *job.Job, op string, err error) error {
	if errors.Is(err, courier.ErrStaleLease) {
		e.logger.Warn("stale lease on report",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("op", op),
		)
		return err
	}
	e.logger.Error("job report failed",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s job %s: %w", op, j.ID, err)
}
