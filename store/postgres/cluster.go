package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/id"
)

// RegisterInstance adds or replaces an instance entry.
func (s *Store) RegisterInstance(ctx context.Context, inst *cluster.Instance) error {
	if inst.LastSeen.IsZero() {
		inst.LastSeen = now()
	}
	state := inst.State
	if state == "" {
		state = cluster.StateActive
	}
	meta := inst.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courier_instances (
			id, hostname, queues, channels, concurrency, state,
			started_at, last_seen, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			queues = EXCLUDED.queues,
			channels = EXCLUDED.channels,
			concurrency = EXCLUDED.concurrency,
			state = EXCLUDED.state,
			started_at = EXCLUDED.started_at,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata`,
		inst.ID.String(), inst.Hostname, nonNil(inst.Queues), nonNil(inst.Channels),
		inst.Concurrency, string(state), inst.StartedAt, inst.LastSeen, meta,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: register instance: %w", err)
	}
	return nil
}

// DeregisterInstance removes an instance and releases leadership it holds.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID id.InstanceID) error {
	var removed int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM courier_instances WHERE id = $1`, instanceID.String())
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		_, err = tx.Exec(ctx, `DELETE FROM courier_leader WHERE instance_id = $1`, instanceID.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("courier/postgres: deregister instance: %w", err)
	}
	if removed == 0 {
		return courier.ErrInstanceNotFound
	}
	return nil
}

// HeartbeatInstance refreshes LastSeen.
func (s *Store) HeartbeatInstance(ctx context.Context, instanceID id.InstanceID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE courier_instances SET last_seen = $2 WHERE id = $1`,
		instanceID.String(), now(),
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: heartbeat instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return courier.ErrInstanceNotFound
	}
	return nil
}

// ListInstances returns all instances ordered by start time.
func (s *Store) ListInstances(ctx context.Context) ([]*cluster.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+instanceColumns+`
		FROM courier_instances i
		LEFT JOIN courier_leader l ON l.instance_id = i.id
		ORDER BY i.started_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list instances: %w", err)
	}
	return collectInstances(rows)
}

// ReapDeadInstances deletes and returns instances silent for threshold.
func (s *Store) ReapDeadInstances(ctx context.Context, threshold time.Duration) ([]*cluster.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		WITH i AS (
			DELETE FROM courier_instances
			WHERE last_seen < $1
			RETURNING *
		)
		SELECT`+instanceColumns+`
		FROM i
		LEFT JOIN courier_leader l ON l.instance_id = i.id`,
		now().Add(-threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: reap dead instances: %w", err)
	}
	return collectInstances(rows)
}

// AcquireLeadership takes the leader row when it is free, expired or
// already ours.
func (s *Store) AcquireLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	t := now()
	var holder string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO courier_leader (id, instance_id, expires_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			expires_at = EXCLUDED.expires_at
		WHERE courier_leader.instance_id = EXCLUDED.instance_id
		   OR courier_leader.expires_at <= $3
		RETURNING instance_id`,
		instanceID.String(), t.Add(ttl), t,
	).Scan(&holder)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("courier/postgres: acquire leadership: %w", err)
	}
	return holder == instanceID.String(), nil
}

// RenewLeadership extends leadership held by instanceID.
func (s *Store) RenewLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE courier_leader SET expires_at = $2 WHERE id = 1 AND instance_id = $1`,
		instanceID.String(), now().Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("courier/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetLeader returns the live leader, or nil.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Instance, error) {
	t := now()
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT`+instanceColumns+`
		FROM courier_leader l
		JOIN courier_instances i ON i.id = l.instance_id
		WHERE l.expires_at > $1`,
		t,
	), t)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // no leader
		}
		return nil, fmt.Errorf("courier/postgres: get leader: %w", err)
	}
	return inst, nil
}

func collectInstances(rows pgx.Rows) ([]*cluster.Instance, error) {
	defer rows.Close()

	t := now()
	result := make([]*cluster.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows, t)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan instance row: %w", err)
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate instance rows: %w", err)
	}
	return result, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
