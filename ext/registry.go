package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/job"
)

// entry pairs a hook with the extension name captured at registration.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds extensions and dispatches lifecycle events to the ones
// implementing each hook. A nil *Registry is valid and emits nothing.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued     []entry[JobEnqueued]
	jobStarted      []entry[JobStarted]
	jobCompleted    []entry[JobCompleted]
	jobRetrying     []entry[JobRetrying]
	jobFailed       []entry[JobFailed]
	jobDeadLettered []entry[JobDeadLettered]
	jobsReclaimed   []entry[JobsReclaimed]
	shutdown        []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func collect[H any](dst []entry[H], name string, e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(dst, entry[H]{name: name, hook: h})
	}
	return dst
}

// Register adds an extension. Extensions are notified in registration
// order. Register is not safe to call concurrently with the emitters and
// belongs to startup.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.jobEnqueued = collect(r.jobEnqueued, name, e)
	r.jobStarted = collect(r.jobStarted, name, e)
	r.jobCompleted = collect(r.jobCompleted, name, e)
	r.jobRetrying = collect(r.jobRetrying, name, e)
	r.jobFailed = collect(r.jobFailed, name, e)
	r.jobDeadLettered = collect(r.jobDeadLettered, name, e)
	r.jobsReclaimed = collect(r.jobsReclaimed, name, e)
	r.shutdown = collect(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	if r == nil {
		return nil
	}
	return r.extensions
}

// ──────────────────────────────────────────────────
// Emitters
// ──────────────────────────────────────────────────

func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobEnqueued {
		r.check("OnJobEnqueued", e.name, e.hook.OnJobEnqueued(ctx, j))
	}
}

func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobStarted {
		r.check("OnJobStarted", e.name, e.hook.OnJobStarted(ctx, j))
	}
}

func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	if r == nil {
		return
	}
	for _, e := range r.jobCompleted {
		r.check("OnJobCompleted", e.name, e.hook.OnJobCompleted(ctx, j, elapsed))
	}
}

func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	if r == nil {
		return
	}
	for _, e := range r.jobRetrying {
		r.check("OnJobRetrying", e.name, e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt))
	}
}

func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	if r == nil {
		return
	}
	for _, e := range r.jobFailed {
		r.check("OnJobFailed", e.name, e.hook.OnJobFailed(ctx, j, jobErr))
	}
}

func (r *Registry) EmitJobDeadLettered(ctx context.Context, j *job.Job, jobErr error) {
	if r == nil {
		return
	}
	for _, e := range r.jobDeadLettered {
		r.check("OnJobDeadLettered", e.name, e.hook.OnJobDeadLettered(ctx, j, jobErr))
	}
}

func (r *Registry) EmitJobsReclaimed(ctx context.Context, queue string, count int) {
	if r == nil {
		return
	}
	for _, e := range r.jobsReclaimed {
		r.check("OnJobsReclaimed", e.name, e.hook.OnJobsReclaimed(ctx, queue, count))
	}
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

// check logs a hook error. Hook errors never reach the caller.
func (r *Registry) check(hook, extName string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
