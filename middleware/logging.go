package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/job"
)

// Logging logs each execution at Debug on start and at Info or Warn on
// return.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []any{
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts+1),
		}
		logger.Debug("job started", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		if err != nil {
			logger.Warn("job attempt failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.Info("job succeeded", attrs...)
		}
		return err
	}
}
