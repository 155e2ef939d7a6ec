package job

import "context"

type ctxKey struct{}

// WithJob returns a context carrying j.
func WithJob(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, ctxKey{}, j)
}

// FromContext returns the job being executed, if any. Handlers use it to
// read the attempt number or the job id.
func FromContext(ctx context.Context) (*Job, bool) {
	j, ok := ctx.Value(ctxKey{}).(*Job)
	return j, ok
}
