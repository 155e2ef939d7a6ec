package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/id"
)

func cloneInstance(i *cluster.Instance) *cluster.Instance {
	cp := *i
	cp.Queues = append([]string(nil), i.Queues...)
	cp.Channels = append([]string(nil), i.Channels...)
	if i.LeaderUntil != nil {
		t := *i.LeaderUntil
		cp.LeaderUntil = &t
	}
	if i.Metadata != nil {
		cp.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// RegisterInstance adds or replaces an instance.
func (m *Store) RegisterInstance(_ context.Context, inst *cluster.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneInstance(inst)
	if cp.LastSeen.IsZero() {
		cp.LastSeen = now()
	}
	m.instances[cp.ID.String()] = cp
	return nil
}

// DeregisterInstance removes an instance and any leadership it holds.
func (m *Store) DeregisterInstance(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := instanceID.String()
	if _, ok := m.instances[key]; !ok {
		return courier.ErrInstanceNotFound
	}
	delete(m.instances, key)
	if m.leader == key {
		m.leader = ""
	}
	return nil
}

// HeartbeatInstance refreshes LastSeen.
func (m *Store) HeartbeatInstance(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return courier.ErrInstanceNotFound
	}
	inst.LastSeen = now()
	return nil
}

// ListInstances returns all instances ordered by start time.
func (m *Store) ListInstances(_ context.Context) ([]*cluster.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := now()
	result := make([]*cluster.Instance, 0, len(m.instances))
	for key, inst := range m.instances {
		cp := cloneInstance(inst)
		cp.IsLeader = key == m.leader && m.leaderUntil.After(t)
		result = append(result, cp)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].StartedAt.Before(result[b].StartedAt) })
	return result, nil
}

// ReapDeadInstances removes and returns instances silent for threshold.
func (m *Store) ReapDeadInstances(_ context.Context, threshold time.Duration) ([]*cluster.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now().Add(-threshold)
	var dead []*cluster.Instance
	for key, inst := range m.instances {
		if inst.LastSeen.Before(cutoff) {
			dead = append(dead, cloneInstance(inst))
			delete(m.instances, key)
		}
	}
	return dead, nil
}

// AcquireLeadership takes leadership when it is free or expired.
func (m *Store) AcquireLeadership(_ context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := now()
	key := instanceID.String()
	if m.leader != "" && m.leader != key && m.leaderUntil.After(t) {
		return false, nil
	}
	m.leader = key
	m.leaderUntil = t.Add(ttl)
	if inst, ok := m.instances[key]; ok {
		until := m.leaderUntil
		inst.LeaderUntil = &until
	}
	return true, nil
}

// RenewLeadership extends leadership held by instanceID.
func (m *Store) RenewLeadership(_ context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := instanceID.String()
	if m.leader != key {
		return false, nil
	}
	m.leaderUntil = now().Add(ttl)
	if inst, ok := m.instances[key]; ok {
		until := m.leaderUntil
		inst.LeaderUntil = &until
	}
	return true, nil
}

// GetLeader returns the live leader, or nil.
func (m *Store) GetLeader(_ context.Context) (*cluster.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || !m.leaderUntil.After(now()) {
		return nil, nil //nolint:nilnil // no leader
	}
	inst, ok := m.instances[m.leader]
	if !ok {
		return nil, nil //nolint:nilnil // leader not registered
	}
	cp := cloneInstance(inst)
	cp.IsLeader = true
	return cp, nil
}
