package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

// Timeout enforces the job's execution budget. When j.Timeout elapses the
// handler context is cancelled and Timeout returns an error wrapping
// courier.ErrTimeout at once, without waiting for the handler to notice.
// A handler that ignores its context keeps running in the background; the
// lease extension stops with the slot and the sweeper recovers the job if
// the report never lands.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in job %s: %v", j.ID, r)
				}
			}()
			done <- next(ctx)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			logger.Warn("job timed out",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", j.Queue),
				slog.Duration("timeout", j.Timeout),
			)
			return fmt.Errorf("%w: job %s exceeded %s", courier.ErrTimeout, j.ID, j.Timeout)
		}
	}
}
