package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// CreateJob inserts a waiting or delayed job. The partial unique index on
// (queue, dedupe_key) turns a duplicate into a read of the live job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	cp := j.Clone()
	if cp.ID.IsNil() {
		cp.ID = id.NewJobID()
	}
	t := now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t
	}
	cp.UpdatedAt = t
	if cp.State == "" {
		cp.State = job.StateWaiting
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO courier_jobs (
			id, queue, payload, state, priority, attempts, max_attempts,
			dedupe_key, timeout, last_error, available_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (queue, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING`+jobColumns,
		cp.ID.String(), cp.Queue, cp.Payload, string(cp.State), cp.Priority, cp.Attempts, cp.MaxAttempts,
		nullString(cp.DedupeKey), cp.Timeout.Nanoseconds(), cp.LastError, cp.AvailableAt,
		cp.CreatedAt, cp.UpdatedAt,
	)
	created, err := scanJob(row)
	switch {
	case err == nil:
		return created, nil
	case isNoRows(err):
		return s.jobByDedupeKey(ctx, cp.Queue, cp.DedupeKey)
	case isDuplicateKey(err):
		return nil, fmt.Errorf("%w: job %s already exists", courier.ErrValidation, cp.ID)
	default:
		return nil, fmt.Errorf("courier/postgres: create job: %w", err)
	}
}

func (s *Store) jobByDedupeKey(ctx context.Context, queue, key string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+`
		FROM courier_jobs
		WHERE queue = $1 AND dedupe_key = $2`,
		queue, key,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: read deduplicated job: %w", err)
	}
	return j, nil
}

// LeaseJob claims the head of queue. SKIP LOCKED lets concurrent leasers
// pass over a row another transaction is claiming.
func (s *Store) LeaseJob(ctx context.Context, queue, instanceID string, lease time.Duration) (*job.Job, error) {
	t := now()
	row := s.pool.QueryRow(ctx, `
		UPDATE courier_jobs SET
			state = 'active',
			lease_token = $2,
			leased_by = $3,
			lease_expires_at = $4,
			updated_at = $5
		WHERE id = (
			SELECT id FROM courier_jobs
			WHERE queue = $1 AND state = 'waiting'
			ORDER BY priority DESC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING`+jobColumns,
		queue, uuid.NewString(), instanceID, t.Add(lease), t,
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // nothing waiting
		}
		return nil, fmt.Errorf("courier/postgres: lease job: %w", err)
	}
	return j, nil
}

// CompleteJob marks an active job completed under token.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, token string) (*job.Job, error) {
	t := now()
	row := s.pool.QueryRow(ctx, `
		UPDATE courier_jobs SET
			attempts = attempts + 1,
			state = 'completed',
			finished_at = $3,
			updated_at = $3,
			lease_token = '',
			leased_by = '',
			lease_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND lease_token = $2 AND $2 <> ''
		RETURNING`+jobColumns,
		jobID.String(), token, t,
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.leaseMiss(ctx, jobID)
		}
		return nil, fmt.Errorf("courier/postgres: complete job: %w", err)
	}
	return j, nil
}

// FailJob records a failed attempt. The row is locked while the retry
// decision is made.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, token string, f job.Failure) (job.Outcome, error) {
	var out job.Outcome
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanJob(tx.QueryRow(ctx, `
			SELECT`+jobColumns+`
			FROM courier_jobs
			WHERE id = $1
			FOR UPDATE`,
			jobID.String(),
		))
		if err != nil {
			if isNoRows(err) {
				return courier.ErrJobNotFound
			}
			return fmt.Errorf("courier/postgres: lock job: %w", err)
		}
		if token == "" || cur.State != job.StateActive || cur.LeaseToken != token {
			return courier.ErrStaleLease
		}

		t := now()
		attempts := cur.Attempts + 1
		state := job.StateDelayed
		availableAt := t.Add(f.Delay)
		var finishedAt *time.Time
		switch {
		case f.Permanent:
			state, finishedAt = job.StateFailed, &t
			out.Kind = job.OutcomeFailed
		case attempts >= cur.MaxAttempts:
			state, finishedAt = job.StateDeadLettered, &t
			out.Kind = job.OutcomeDeadLettered
		default:
			if f.Delay <= 0 {
				state = job.StateWaiting
			}
			out.Kind = job.OutcomeRescheduled
			out.Delay = f.Delay
		}
		if finishedAt != nil {
			availableAt = cur.AvailableAt
		}

		out.Job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE courier_jobs SET
				attempts = $2,
				state = $3,
				last_error = $4,
				available_at = $5,
				finished_at = $6,
				updated_at = $7,
				lease_token = '',
				leased_by = '',
				lease_expires_at = NULL
			WHERE id = $1
			RETURNING`+jobColumns,
			jobID.String(), attempts, string(state), f.Error, availableAt, finishedAt, t,
		))
		if err != nil {
			return fmt.Errorf("courier/postgres: fail job: %w", err)
		}
		return nil
	})
	if err != nil {
		return job.Outcome{}, err
	}
	return out, nil
}

// ExtendLease pushes the lease deadline of an active job.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, token string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_jobs SET lease_expires_at = $3
		WHERE id = $1 AND state = 'active' AND lease_token = $2 AND $2 <> ''`,
		jobID.String(), token, now().Add(lease),
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseMiss(ctx, jobID)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs of queue to waiting.
func (s *Store) PromoteDelayed(ctx context.Context, queue string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_jobs SET state = 'waiting', updated_at = $3
		WHERE queue = $1 AND state = 'delayed' AND available_at <= $2`,
		queue, at, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("courier/postgres: promote delayed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReclaimExpired returns expired active jobs of queue to waiting.
func (s *Store) ReclaimExpired(ctx context.Context, queue string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_jobs SET
			state = 'waiting',
			updated_at = $3,
			lease_token = '',
			leased_by = '',
			lease_expires_at = NULL
		WHERE queue = $1 AND state = 'active' AND lease_expires_at < $2`,
		queue, at, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("courier/postgres: reclaim expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+`
		FROM courier_jobs
		WHERE id = $1`,
		jobID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrJobNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns matching jobs in creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	where, args := jobFilter(opts.Queue, opts.State)
	query := `SELECT` + jobColumns + ` FROM courier_jobs` + where + ` ORDER BY seq ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobs returns the number of matching jobs.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	where, args := jobFilter(opts.Queue, opts.State)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM courier_jobs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("courier/postgres: count jobs: %w", err)
	}
	return n, nil
}

// DeleteJob removes a job by ID. Its dedupe key goes with the row.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM courier_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("courier/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return courier.ErrJobNotFound
	}
	return nil
}

// PurgeFinished deletes completed and failed jobs of queue finished before
// the cutoff.
func (s *Store) PurgeFinished(ctx context.Context, queue string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM courier_jobs
		WHERE queue = $1 AND state IN ('completed', 'failed') AND finished_at < $2`,
		queue, before,
	)
	if err != nil {
		return 0, fmt.Errorf("courier/postgres: purge finished: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// leaseMiss tells a missing job from a stale lease after a conditional
// update matched nothing.
func (s *Store) leaseMiss(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM courier_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("courier/postgres: check job: %w", err)
	}
	if !exists {
		return courier.ErrJobNotFound
	}
	return courier.ErrStaleLease
}

func jobFilter(queue string, state job.State) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if queue != "" {
		args = append(args, queue)
		conds = append(conds, fmt.Sprintf("queue = $%d", len(args)))
	}
	if state != "" {
		args = append(args, string(state))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func now() time.Time { return time.Now().UTC() }
