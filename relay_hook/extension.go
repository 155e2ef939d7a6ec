package relayhook

import (
	"context"
	"time"

	"github.com/xraph/courier/event"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Extension)(nil)
	_ ext.JobEnqueued     = (*Extension)(nil)
	_ ext.JobStarted      = (*Extension)(nil)
	_ ext.JobCompleted    = (*Extension)(nil)
	_ ext.JobFailed       = (*Extension)(nil)
	_ ext.JobRetrying     = (*Extension)(nil)
	_ ext.JobDeadLettered = (*Extension)(nil)
	_ ext.JobsReclaimed   = (*Extension)(nil)
)

// Publisher is the part of *event.Bus the extension needs.
type Publisher interface {
	PublishJSON(ctx context.Context, channel, eventType string, v any) (*event.Event, error)
}

// Extension publishes job lifecycle events on the bus.
type Extension struct {
	bus      Publisher
	enabled  map[string]bool        // nil = all enabled
	payloads map[string]PayloadFunc // custom payload builders
	channel  func(queue string) string
}

// New creates an Extension publishing through bus.
func New(bus Publisher, opts ...Option) *Extension {
	h := &Extension{bus: bus, channel: QueueChannel}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "relay-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (h *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return h.send(ctx, EventJobEnqueued, j.Queue, newJobPayload(j))
}

// OnJobStarted implements ext.JobStarted.
func (h *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return h.send(ctx, EventJobStarted, j.Queue, newJobPayload(j))
}

// OnJobCompleted implements ext.JobCompleted.
func (h *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return h.send(ctx, EventJobCompleted, j.Queue, &jobCompletedPayload{
		jobPayload: *newJobPayload(j),
		ElapsedMs:  elapsed.Milliseconds(),
	})
}

// OnJobFailed implements ext.JobFailed.
func (h *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return h.send(ctx, EventJobFailed, j.Queue, &jobFailedPayload{
		jobPayload: *newJobPayload(j),
		Error:      errString(jobErr),
	})
}

// OnJobRetrying implements ext.JobRetrying.
func (h *Extension) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	return h.send(ctx, EventJobRetrying, j.Queue, &jobRetryingPayload{
		jobPayload: *newJobPayload(j),
		Attempt:    attempt,
		NextRunAt:  nextRunAt.UTC().Format(time.RFC3339),
	})
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (h *Extension) OnJobDeadLettered(ctx context.Context, j *job.Job, jobErr error) error {
	return h.send(ctx, EventJobDeadLettered, j.Queue, &jobFailedPayload{
		jobPayload: *newJobPayload(j),
		Error:      errString(jobErr),
	})
}

// OnJobsReclaimed implements ext.JobsReclaimed.
func (h *Extension) OnJobsReclaimed(ctx context.Context, queue string, count int) error {
	return h.send(ctx, EventJobsReclaimed, queue, &reclaimedPayload{
		Queue: queue,
		Count: count,
	})
}

// ── Internal helpers ────────────────────────────────

// send publishes an event if the type is enabled.
func (h *Extension) send(ctx context.Context, eventType, queue string, defaultData any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}

	data := defaultData
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(defaultData)
		if err != nil {
			return err
		}
		data = custom
	}

	_, err := h.bus.PublishJSON(ctx, h.channel(queue), eventType, data)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ── Default payload types ───────────────────────────

type jobPayload struct {
	JobID       string `json:"job_id"`
	Queue       string `json:"queue"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	InstanceID  string `json:"instance_id,omitempty"`
}

func newJobPayload(j *job.Job) *jobPayload {
	return &jobPayload{
		JobID:       j.ID.String(),
		Queue:       j.Queue,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		InstanceID:  j.LeasedBy,
	}
}

type jobCompletedPayload struct {
	jobPayload
	ElapsedMs int64 `json:"elapsed_ms"`
}

type jobFailedPayload struct {
	jobPayload
	Error string `json:"error"`
}

type jobRetryingPayload struct {
	jobPayload
	Attempt   int    `json:"attempt"`
	NextRunAt string `json:"next_run_at"`
}

type reclaimedPayload struct {
	Queue string `json:"queue"`
	Count int    `json:"count"`
}
