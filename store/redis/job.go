package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// CreateJob stores the job hash and indexes it by state, queue and
// sequence in one script. A dedupe hit returns the live job unchanged.
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

	jID := cp.ID.String()
	keys := []string{
		jobKey(jID),
		dedupeKey(cp.Queue),
		seqKey,
		stateKey(cp.Queue, job.StateWaiting),
		stateKey(cp.Queue, job.StateDelayed),
		queueJobsKey(cp.Queue),
		jobsKey,
		queuesKey,
	}
	args := []any{
		jID,
		cp.DedupeKey,
		string(cp.State),
		cp.Priority,
		cp.AvailableAt.UnixMilli(),
		cp.Queue,
	}
	args = append(args, jobToArgs(cp)...)

	res, err := createScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: create job: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("courier/redis: create job: unexpected reply %v", res)
	}
	return s.GetJob(ctx, id.MustParse(fmt.Sprint(res[1])))
}

// LeaseJob pops the head of the waiting set into the active set.
func (s *Store) LeaseJob(ctx context.Context, queue, instanceID string, lease time.Duration) (*job.Job, error) {
	t := now()
	exp := t.Add(lease)
	res, err := leaseScript.Run(ctx, s.client,
		[]string{stateKey(queue, job.StateWaiting), stateKey(queue, job.StateActive)},
		jobKeyPrefix, uuid.NewString(), instanceID, exp.UnixMilli(), formatTime(exp), formatTime(t),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil //nolint:nilnil // nothing waiting
	}
	if err != nil {
		return nil, fmt.Errorf("courier/redis: lease job: %w", err)
	}
	return jobFromReply(res)
}

// CompleteJob marks an active job completed under token.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, token string) (*job.Job, error) {
	jID := jobID.String()
	queue, err := s.queueOf(ctx, jID)
	if err != nil {
		return nil, err
	}
	t := now()
	res, err := completeScript.Run(ctx, s.client,
		[]string{jobKey(jID), stateKey(queue, job.StateActive), stateKey(queue, job.StateCompleted)},
		jID, token, t.UnixMilli(), formatTime(t),
	).Slice()
	if err != nil {
		return nil, scriptErr("complete job", err)
	}
	return jobFromReply(res)
}

// FailJob records a failed attempt and applies the retry decision.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, token string, f job.Failure) (job.Outcome, error) {
	jID := jobID.String()
	queue, err := s.queueOf(ctx, jID)
	if err != nil {
		return job.Outcome{}, err
	}
	t := now()
	permanent := "0"
	if f.Permanent {
		permanent = "1"
	}
	delay := f.Delay
	if delay < 0 {
		delay = 0
	}
	res, err := failScript.Run(ctx, s.client,
		[]string{
			jobKey(jID),
			stateKey(queue, job.StateActive),
			stateKey(queue, job.StateWaiting),
			stateKey(queue, job.StateDelayed),
			stateKey(queue, job.StateFailed),
			stateKey(queue, job.StateDeadLettered),
		},
		jID, token, t.UnixMilli(), formatTime(t), f.Error, permanent,
		delay.Milliseconds(), formatTime(t.Add(delay)),
	).Slice()
	if err != nil {
		return job.Outcome{}, scriptErr("fail job", err)
	}
	if len(res) < 1 {
		return job.Outcome{}, fmt.Errorf("courier/redis: fail job: empty reply")
	}
	j, err := jobFromReply(res[1:])
	if err != nil {
		return job.Outcome{}, err
	}
	out := job.Outcome{Kind: job.OutcomeKind(fmt.Sprint(res[0])), Job: j}
	if out.Kind == job.OutcomeRescheduled {
		out.Delay = f.Delay
	}
	return out, nil
}

// ExtendLease pushes the lease deadline of an active job.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, token string, lease time.Duration) error {
	jID := jobID.String()
	queue, err := s.queueOf(ctx, jID)
	if err != nil {
		return err
	}
	exp := now().Add(lease)
	err = extendScript.Run(ctx, s.client,
		[]string{jobKey(jID), stateKey(queue, job.StateActive)},
		jID, token, exp.UnixMilli(), formatTime(exp),
	).Err()
	if err != nil {
		return scriptErr("extend lease", err)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs of queue to waiting.
func (s *Store) PromoteDelayed(ctx context.Context, queue string, at time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.client,
		[]string{stateKey(queue, job.StateDelayed), stateKey(queue, job.StateWaiting)},
		jobKeyPrefix, at.UnixMilli(), formatTime(now()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: promote delayed: %w", err)
	}
	return n, nil
}

// ReclaimExpired returns expired active jobs of queue to waiting.
func (s *Store) ReclaimExpired(ctx context.Context, queue string, at time.Time) (int, error) {
	n, err := reclaimScript.Run(ctx, s.client,
		[]string{stateKey(queue, job.StateActive), stateKey(queue, job.StateWaiting)},
		jobKeyPrefix, at.UnixMilli(), formatTime(now()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: reclaim expired: %w", err)
	}
	return n, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, courier.ErrJobNotFound
	}
	return mapToJob(vals)
}

// ListJobs returns matching jobs in creation order. The queue index bounds
// the scan when a queue is given; the state filter is applied per hash.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	index := jobsKey
	switch {
	case opts.Queue != "" && opts.State != "":
		index = stateKey(opts.Queue, opts.State)
	case opts.Queue != "":
		index = queueJobsKey(opts.Queue)
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list jobs: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(jID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("courier/redis: list jobs: %w", err)
		}
	}

	result := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		result = append(result, j)
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
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	switch {
	case opts.Queue != "" && opts.State != "":
		return s.zcard(ctx, stateKey(opts.Queue, opts.State))
	case opts.Queue != "":
		return s.zcard(ctx, queueJobsKey(opts.Queue))
	case opts.State == "":
		return s.zcard(ctx, jobsKey)
	}

	queues, err := s.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count jobs: %w", err)
	}
	var total int64
	for _, q := range queues {
		n, err := s.zcard(ctx, stateKey(q, opts.State))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// DeleteJob removes a job and its index entries.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	err := deleteScript.Run(ctx, s.client, []string{jobKey(jID), jobsKey}, jID, keyPrefix).Err()
	if err != nil {
		return scriptErr("delete job", err)
	}
	return nil
}

// PurgeFinished deletes completed and failed jobs of queue finished before
// the cutoff.
func (s *Store) PurgeFinished(ctx context.Context, queue string, before time.Time) (int, error) {
	total := 0
	for _, state := range []job.State{job.StateCompleted, job.StateFailed} {
		n, err := purgeScript.Run(ctx, s.client,
			[]string{stateKey(queue, state), dedupeKey(queue), queueJobsKey(queue), jobsKey},
			jobKeyPrefix, before.UnixMilli(),
		).Int()
		if err != nil {
			return total, fmt.Errorf("courier/redis: purge %s: %w", state, err)
		}
		total += n
	}
	return total, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (s *Store) zcard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count jobs: %w", err)
	}
	return n, nil
}

// queueOf reads the queue of a job so scripts can be given every key they
// touch up front.
func (s *Store) queueOf(ctx context.Context, jID string) (string, error) {
	q, err := s.client.HGet(ctx, jobKey(jID), "queue").Result()
	if errors.Is(err, goredis.Nil) {
		return "", courier.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("courier/redis: read job queue: %w", err)
	}
	return q, nil
}

// scriptErr maps script error replies to sentinel errors.
func scriptErr(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOTFOUND"):
		return courier.ErrJobNotFound
	case strings.HasPrefix(msg, "STALE"):
		return courier.ErrStaleLease
	}
	return fmt.Errorf("courier/redis: %s: %w", op, err)
}

func now() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// jobToArgs flattens the persisted fields of j into HSET field/value
// pairs. seq is assigned by the create script.
func jobToArgs(j *job.Job) []any {
	return []any{
		"id", j.ID.String(),
		"queue", j.Queue,
		"payload", string(j.Payload),
		"state", string(j.State),
		"priority", strconv.Itoa(j.Priority),
		"attempts", strconv.Itoa(j.Attempts),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"dedupe_key", j.DedupeKey,
		"timeout", strconv.FormatInt(int64(j.Timeout), 10),
		"last_error", j.LastError,
		"available_at", formatTime(j.AvailableAt),
		"lease_token", j.LeaseToken,
		"leased_by", j.LeasedBy,
		"lease_expires_at", formatTimePtr(j.LeaseExpiresAt),
		"finished_at", formatTimePtr(j.FinishedAt),
		"created_at", formatTime(j.CreatedAt),
		"updated_at", formatTime(j.UpdatedAt),
	}
}

// jobFromReply decodes a flat HGETALL script reply.
func jobFromReply(res []any) (*job.Job, error) {
	if len(res)%2 != 0 {
		return nil, fmt.Errorf("courier/redis: odd hash reply length %d", len(res))
	}
	vals := make(map[string]string, len(res)/2)
	for i := 0; i < len(res); i += 2 {
		vals[fmt.Sprint(res[i])] = fmt.Sprint(res[i+1])
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jobID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("courier/redis: parse job id: %w", err)
	}

	// Numeric fields are written by jobToArgs and the create script.
	priority, _ := strconv.Atoi(m["priority"])
	attempts, _ := strconv.Atoi(m["attempts"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)
	seq, _ := strconv.ParseInt(m["seq"], 10, 64)

	j := &job.Job{
		ID:             jobID,
		Queue:          m["queue"],
		State:          job.State(m["state"]),
		Priority:       priority,
		Attempts:       attempts,
		MaxAttempts:    maxAttempts,
		DedupeKey:      m["dedupe_key"],
		Timeout:        time.Duration(timeout),
		LastError:      m["last_error"],
		Seq:            seq,
		AvailableAt:    parseTime(m["available_at"]),
		LeaseToken:     m["lease_token"],
		LeasedBy:       m["leased_by"],
		LeaseExpiresAt: parseTimePtr(m["lease_expires_at"]),
		FinishedAt:     parseTimePtr(m["finished_at"]),
	}
	if p := m["payload"]; p != "" {
		j.Payload = []byte(p)
	}
	j.CreatedAt = parseTime(m["created_at"])
	j.UpdatedAt = parseTime(m["updated_at"])
	return j, nil
}
