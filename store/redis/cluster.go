package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/id"
)

// RegisterInstance stores the instance as a hash and tracks its id.
func (s *Store) RegisterInstance(ctx context.Context, inst *cluster.Instance) error {
	if inst.LastSeen.IsZero() {
		inst.LastSeen = now()
	}
	fields, err := instanceToMap(inst)
	if err != nil {
		return err
	}
	iID := inst.ID.String()
	key := instanceKey(iID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, instanceIDsKey, iID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: register instance: %w", err)
	}
	return nil
}

// DeregisterInstance removes the instance and releases leadership it holds.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID id.InstanceID) error {
	iID := instanceID.String()
	n, err := s.client.Del(ctx, instanceKey(iID)).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: deregister instance: %w", err)
	}
	s.client.SRem(ctx, instanceIDsKey, iID)
	if err := releaseLeaderScript.Run(ctx, s.client, []string{leaderKey}, iID).Err(); err != nil {
		return fmt.Errorf("courier/redis: release leadership: %w", err)
	}
	if n == 0 {
		return courier.ErrInstanceNotFound
	}
	return nil
}

// HeartbeatInstance refreshes LastSeen.
func (s *Store) HeartbeatInstance(ctx context.Context, instanceID id.InstanceID) error {
	key := instanceKey(instanceID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: heartbeat: %w", err)
	}
	if exists == 0 {
		return courier.ErrInstanceNotFound
	}
	if err := s.client.HSet(ctx, key, "last_seen", formatTime(now())).Err(); err != nil {
		return fmt.Errorf("courier/redis: heartbeat: %w", err)
	}
	return nil
}

// ListInstances returns all instances ordered by start time.
func (s *Store) ListInstances(ctx context.Context) ([]*cluster.Instance, error) {
	all, err := s.instances(ctx)
	if err != nil {
		return nil, err
	}
	leader, err := s.leader(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range all {
		inst.IsLeader = leader != "" && inst.ID.String() == leader
	}
	sort.Slice(all, func(a, b int) bool { return all[a].StartedAt.Before(all[b].StartedAt) })
	return all, nil
}

// ReapDeadInstances removes and returns instances silent for threshold.
func (s *Store) ReapDeadInstances(ctx context.Context, threshold time.Duration) ([]*cluster.Instance, error) {
	all, err := s.instances(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now().Add(-threshold)
	var dead []*cluster.Instance
	for _, inst := range all {
		if !inst.LastSeen.Before(cutoff) {
			continue
		}
		iID := inst.ID.String()
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, instanceKey(iID))
		pipe.SRem(ctx, instanceIDsKey, iID)
		if _, err := pipe.Exec(ctx); err != nil {
			return dead, fmt.Errorf("courier/redis: reap instance: %w", err)
		}
		dead = append(dead, inst)
	}
	return dead, nil
}

// AcquireLeadership sets the leader key when it is free or already ours.
// Expiry is left to the key TTL.
func (s *Store) AcquireLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	ok, err := acquireLeaderScript.Run(ctx, s.client, []string{leaderKey},
		instanceID.String(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("courier/redis: acquire leadership: %w", err)
	}
	if ok == 1 {
		s.stampLeaderUntil(ctx, instanceID, ttl)
	}
	return ok == 1, nil
}

// RenewLeadership extends the leader key TTL when instanceID holds it.
func (s *Store) RenewLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	ok, err := renewLeaderScript.Run(ctx, s.client, []string{leaderKey},
		instanceID.String(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("courier/redis: renew leadership: %w", err)
	}
	if ok == 1 {
		s.stampLeaderUntil(ctx, instanceID, ttl)
	}
	return ok == 1, nil
}

// GetLeader returns the live leader, or nil.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Instance, error) {
	leader, err := s.leader(ctx)
	if err != nil || leader == "" {
		return nil, err
	}
	vals, err := s.client.HGetAll(ctx, instanceKey(leader)).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get leader: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil //nolint:nilnil // leader not registered
	}
	inst, err := mapToInstance(vals)
	if err != nil {
		return nil, err
	}
	inst.IsLeader = true
	return inst, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// leader returns the current leader id, or "" once the key expired.
func (s *Store) leader(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, leaderKey).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("courier/redis: read leader: %w", err)
	}
	return v, nil
}

// stampLeaderUntil records the lease end on the instance hash. It is
// informational, so failures are only logged.
func (s *Store) stampLeaderUntil(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) {
	key := instanceKey(instanceID.String())
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil || n == 0 {
		return
	}
	if err := s.client.HSet(ctx, key, "leader_until", formatTime(now().Add(ttl))).Err(); err != nil {
		s.logger.Warn("leader stamp failed",
			slog.String("instance_id", instanceID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) instances(ctx context.Context) ([]*cluster.Instance, error) {
	ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list instances: %w", err)
	}
	result := make([]*cluster.Instance, 0, len(ids))
	for _, iID := range ids {
		vals, err := s.client.HGetAll(ctx, instanceKey(iID)).Result()
		if err != nil {
			return nil, fmt.Errorf("courier/redis: get instance: %w", err)
		}
		if len(vals) == 0 {
			s.client.SRem(ctx, instanceIDsKey, iID)
			continue
		}
		inst, err := mapToInstance(vals)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, nil
}

func instanceToMap(inst *cluster.Instance) (map[string]any, error) {
	queues, err := json.Marshal(inst.Queues)
	if err != nil {
		return nil, fmt.Errorf("courier/redis: marshal queues: %w", err)
	}
	channels, err := json.Marshal(inst.Channels)
	if err != nil {
		return nil, fmt.Errorf("courier/redis: marshal channels: %w", err)
	}
	meta, err := json.Marshal(inst.Metadata)
	if err != nil {
		return nil, fmt.Errorf("courier/redis: marshal metadata: %w", err)
	}
	state := inst.State
	if state == "" {
		state = cluster.StateActive
	}
	return map[string]any{
		"id":           inst.ID.String(),
		"hostname":     inst.Hostname,
		"queues":       string(queues),
		"channels":     string(channels),
		"concurrency":  strconv.Itoa(inst.Concurrency),
		"state":        string(state),
		"leader_until": formatTimePtr(inst.LeaderUntil),
		"started_at":   formatTime(inst.StartedAt),
		"last_seen":    formatTime(inst.LastSeen),
		"metadata":     string(meta),
	}, nil
}

func mapToInstance(m map[string]string) (*cluster.Instance, error) {
	instID, err := id.ParseInstanceID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("courier/redis: parse instance id: %w", err)
	}
	concurrency, _ := strconv.Atoi(m["concurrency"]) //nolint:errcheck // written by instanceToMap

	inst := &cluster.Instance{
		ID:          instID,
		Hostname:    m["hostname"],
		Concurrency: concurrency,
		State:       cluster.State(m["state"]),
		LeaderUntil: parseTimePtr(m["leader_until"]),
		StartedAt:   parseTime(m["started_at"]),
		LastSeen:    parseTime(m["last_seen"]),
	}
	if v := m["queues"]; v != "" {
		if err := json.Unmarshal([]byte(v), &inst.Queues); err != nil {
			return nil, fmt.Errorf("courier/redis: unmarshal queues: %w", err)
		}
	}
	if v := m["channels"]; v != "" {
		if err := json.Unmarshal([]byte(v), &inst.Channels); err != nil {
			return nil, fmt.Errorf("courier/redis: unmarshal channels: %w", err)
		}
	}
	if v := m["metadata"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &inst.Metadata); err != nil {
			return nil, fmt.Errorf("courier/redis: unmarshal metadata: %w", err)
		}
	}
	return inst, nil
}
