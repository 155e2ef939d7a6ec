package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// ── Jobs ──────────────────────────────────────────────────────────

const jobColumns = `
	id, seq, queue, payload, state, priority, attempts, max_attempts,
	dedupe_key, timeout, last_error, available_at,
	lease_token, leased_by, lease_expires_at, finished_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		rawID     string
		state     string
		dedupeKey *string
		timeout   int64
		j         job.Job
	)
	err := row.Scan(
		&rawID, &j.Seq, &j.Queue, &j.Payload, &state, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&dedupeKey, &timeout, &j.LastError, &j.AvailableAt,
		&j.LeaseToken, &j.LeasedBy, &j.LeaseExpiresAt, &j.FinishedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: parse job id %q: %w", rawID, err)
	}
	j.State = job.State(state)
	j.Timeout = time.Duration(timeout)
	if dedupeKey != nil {
		j.DedupeKey = *dedupeKey
	}
	j.AvailableAt = j.AvailableAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()

	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

// ── Instances ─────────────────────────────────────────────────────

// instanceColumns are selected from courier_instances aliased i, joined
// with courier_leader aliased l.
const instanceColumns = `
	i.id, i.hostname, i.queues, i.channels, i.concurrency, i.state,
	i.started_at, i.last_seen, i.metadata,
	l.expires_at`

func scanInstance(row pgx.Row, now time.Time) (*cluster.Instance, error) {
	var (
		rawID       string
		state       string
		leaderUntil *time.Time
		inst        cluster.Instance
	)
	err := row.Scan(
		&rawID, &inst.Hostname, &inst.Queues, &inst.Channels, &inst.Concurrency, &state,
		&inst.StartedAt, &inst.LastSeen, &inst.Metadata,
		&leaderUntil,
	)
	if err != nil {
		return nil, err
	}

	inst.ID, err = id.ParseInstanceID(rawID)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: parse instance id %q: %w", rawID, err)
	}
	inst.State = cluster.State(state)
	inst.StartedAt = inst.StartedAt.UTC()
	inst.LastSeen = inst.LastSeen.UTC()
	if leaderUntil != nil {
		t := leaderUntil.UTC()
		inst.LeaderUntil = &t
		inst.IsLeader = t.After(now)
	}
	if len(inst.Metadata) == 0 {
		inst.Metadata = nil
	}
	return &inst, nil
}
