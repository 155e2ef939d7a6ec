package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// CreateJob persists j as waiting or delayed, or returns the live job
// holding the same dedupe key.
func (m *Store) CreateJob(_ context.Context, j *job.Job) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.DedupeKey != "" {
		if existing, ok := m.dedupe[dedupeKey{j.Queue, j.DedupeKey}]; ok {
			if cur, ok := m.jobs[existing]; ok {
				return cur.Clone(), nil
			}
		}
	}

	cp := j.Clone()
	if cp.ID.IsNil() {
		cp.ID = id.NewJobID()
	}
	t := now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t
	}
	cp.UpdatedAt = t
	m.seq++
	cp.Seq = m.seq

	m.jobs[cp.ID.String()] = cp
	if cp.DedupeKey != "" {
		m.dedupe[dedupeKey{cp.Queue, cp.DedupeKey}] = cp.ID.String()
	}
	return cp.Clone(), nil
}

// LeaseJob leases the highest priority, oldest waiting job of queue.
func (m *Store) LeaseJob(_ context.Context, queue, instanceID string, lease time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || j.State != job.StateWaiting {
			continue
		}
		if best == nil || j.Priority > best.Priority || (j.Priority == best.Priority && j.Seq < best.Seq) {
			best = j
		}
	}
	if best == nil {
		return nil, nil //nolint:nilnil // nothing waiting
	}

	t := now()
	exp := t.Add(lease)
	best.State = job.StateActive
	best.LeaseToken = uuid.NewString()
	best.LeasedBy = instanceID
	best.LeaseExpiresAt = &exp
	best.UpdatedAt = t
	return best.Clone(), nil
}

// active returns the job if it is active under token.
func (m *Store) active(jobID id.JobID, token string) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, courier.ErrJobNotFound
	}
	if j.State != job.StateActive || j.LeaseToken != token || token == "" {
		return nil, courier.ErrStaleLease
	}
	return j, nil
}

func clearLease(j *job.Job) {
	j.LeaseToken = ""
	j.LeasedBy = ""
	j.LeaseExpiresAt = nil
}

// CompleteJob records a successful attempt.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, token string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.active(jobID, token)
	if err != nil {
		return nil, err
	}
	t := now()
	j.Attempts++
	j.State = job.StateCompleted
	j.FinishedAt = &t
	j.UpdatedAt = t
	clearLease(j)
	return j.Clone(), nil
}

// FailJob records a failed attempt.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, token string, f job.Failure) (job.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.active(jobID, token)
	if err != nil {
		return job.Outcome{}, err
	}
	t := now()
	j.Attempts++
	j.LastError = f.Error
	j.UpdatedAt = t
	clearLease(j)

	var out job.Outcome
	switch {
	case f.Permanent:
		j.State = job.StateFailed
		j.FinishedAt = &t
		out.Kind = job.OutcomeFailed
	case j.Attempts >= j.MaxAttempts:
		j.State = job.StateDeadLettered
		j.FinishedAt = &t
		out.Kind = job.OutcomeDeadLettered
	default:
		j.AvailableAt = t.Add(f.Delay)
		j.State = job.StateDelayed
		if f.Delay <= 0 {
			j.State = job.StateWaiting
		}
		out.Kind = job.OutcomeRescheduled
		out.Delay = f.Delay
	}
	out.Job = j.Clone()
	return out, nil
}

// ExtendLease pushes the lease deadline of an active job.
func (m *Store) ExtendLease(_ context.Context, jobID id.JobID, token string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.active(jobID, token)
	if err != nil {
		return err
	}
	exp := now().Add(lease)
	j.LeaseExpiresAt = &exp
	return nil
}

// PromoteDelayed moves due delayed jobs of queue to waiting.
func (m *Store) PromoteDelayed(_ context.Context, queue string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Queue == queue && j.State == job.StateDelayed && !j.AvailableAt.After(at) {
			j.State = job.StateWaiting
			j.UpdatedAt = now()
			n++
		}
	}
	return n, nil
}

// ReclaimExpired returns expired active jobs of queue to waiting.
func (m *Store) ReclaimExpired(_ context.Context, queue string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Queue != queue || j.State != job.StateActive || j.LeaseExpiresAt == nil {
			continue
		}
		if j.LeaseExpiresAt.Before(at) {
			j.State = job.StateWaiting
			j.UpdatedAt = now()
			clearLease(j)
			n++
		}
	}
	return n, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, courier.ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns matching jobs in creation order.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if matches(j, opts.Queue, opts.State) {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Seq < result[b].Seq })

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*job.Job{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of matching jobs.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if matches(j, opts.Queue, opts.State) {
			n++
		}
	}
	return n, nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return courier.ErrJobNotFound
	}
	m.remove(j)
	return nil
}

// PurgeFinished deletes completed and failed jobs of queue finished before
// the cutoff.
func (m *Store) PurgeFinished(_ context.Context, queue string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Queue != queue || (j.State != job.StateCompleted && j.State != job.StateFailed) {
			continue
		}
		if j.FinishedAt != nil && j.FinishedAt.Before(before) {
			m.remove(j)
			n++
		}
	}
	return n, nil
}

func (m *Store) remove(j *job.Job) {
	delete(m.jobs, j.ID.String())
	if j.DedupeKey != "" {
		k := dedupeKey{j.Queue, j.DedupeKey}
		if m.dedupe[k] == j.ID.String() {
			delete(m.dedupe, k)
		}
	}
}

func matches(j *job.Job, queue string, state job.State) bool {
	return (queue == "" || j.Queue == queue) && (state == "" || j.State == state)
}
