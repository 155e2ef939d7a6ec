package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
)

// Entry is the operator view of a dead-lettered job.
type Entry struct {
	JobID       id.JobID  `json:"job_id"`
	Queue       string    `json:"queue"`
	Payload     []byte    `json:"payload"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	FailedAt    time.Time `json:"failed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func entryFromJob(j *job.Job) *Entry {
	e := &Entry{
		JobID:       j.ID,
		Queue:       j.Queue,
		Payload:     j.Payload,
		Error:       j.LastError,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		FailedAt:    j.UpdatedAt,
		CreatedAt:   j.CreatedAt,
	}
	if j.FinishedAt != nil {
		e.FailedAt = *j.FinishedAt
	}
	return e
}

// Service provides dead-letter operations over a queue manager.
type Service struct {
	manager *queue.Manager
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a dead-letter service.
func NewService(manager *queue.Manager, opts ...Option) *Service {
	s := &Service{manager: manager, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns dead letters of queue, oldest first. An empty queue lists
// every queue. A zero limit means no limit.
func (s *Service) List(ctx context.Context, queueName string, limit, offset int) ([]*Entry, error) {
	if queueName != "" {
		if _, err := s.manager.Get(queueName); err != nil {
			return nil, err
		}
	}
	jobs, err := s.manager.Store().ListJobs(ctx, job.ListOpts{
		Queue:  queueName,
		State:  job.StateDeadLettered,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*Entry, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, entryFromJob(j))
	}
	return out, nil
}

// Count returns the number of dead letters of queue, or of every queue.
func (s *Service) Count(ctx context.Context, queueName string) (int64, error) {
	return s.manager.Store().CountJobs(ctx, job.CountOpts{Queue: queueName, State: job.StateDeadLettered})
}

// Get returns one dead letter. A job in any other state is reported as
// courier.ErrJobNotFound.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*Entry, error) {
	j, err := s.deadLetter(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return entryFromJob(j), nil
}

func (s *Service) deadLetter(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.manager.Store().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateDeadLettered {
		return nil, fmt.Errorf("%w: %s is %s", courier.ErrJobNotFound, jobID, j.State)
	}
	return j, nil
}

// Replay re-enqueues a dead letter as a fresh job and deletes the old
// record. The returned job is the new one.
func (s *Service) Replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	old, err := s.deadLetter(ctx, jobID)
	if err != nil {
		return nil, err
	}

	fresh, err := s.manager.Enqueue(ctx, old.Queue, old.Payload,
		job.WithPriority(old.Priority),
		job.WithMaxAttempts(old.MaxAttempts),
		job.WithTimeout(old.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", jobID, err)
	}

	if err := s.manager.Store().DeleteJob(ctx, jobID); err != nil && !errors.Is(err, courier.ErrJobNotFound) {
		// The replacement is already queued; the stale record only costs
		// a second replay attempt.
		s.logger.Warn("dead letter not removed after replay",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("dead letter replayed",
		slog.String("job_id", jobID.String()),
		slog.String("new_job_id", fresh.ID.String()),
		slog.String("queue", fresh.Queue),
	)
	return fresh, nil
}

// Purge deletes every dead letter of queue, or of every queue when queue
// is empty, and returns how many were removed.
func (s *Service) Purge(ctx context.Context, queueName string) (int, error) {
	if queueName != "" {
		if _, err := s.manager.Get(queueName); err != nil {
			return 0, err
		}
	}
	jobs, err := s.manager.Store().ListJobs(ctx, job.ListOpts{Queue: queueName, State: job.StateDeadLettered})
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}

	n := 0
	for _, j := range jobs {
		if err := s.manager.Store().DeleteJob(ctx, j.ID); err != nil {
			if errors.Is(err, courier.ErrJobNotFound) {
				continue
			}
			return n, fmt.Errorf("purge dead letter %s: %w", j.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("dead letters purged", slog.String("queue", queueName), slog.Int("count", n))
	}
	return n, nil
}
