package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/id"
)

// NewInstance returns an active instance seen just now.
func NewInstance(hostname string) *cluster.Instance {
	now := time.Now().UTC()
	return &cluster.Instance{
		ID:          id.NewInstanceID(),
		Hostname:    hostname,
		Queues:      []string{"email", "chat"},
		Channels:    []string{"chat:*"},
		Concurrency: 4,
		State:       cluster.StateActive,
		StartedAt:   now,
		LastSeen:    now,
		Metadata:    map[string]string{"version": "test"},
	}
}

// RunClusterStore runs the instance registry suite against fresh stores.
func RunClusterStore(t *testing.T, newStore func(t *testing.T) cluster.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s cluster.Store)
	}{
		{"RegisterAndList", testRegisterAndList},
		{"HeartbeatAndDeregister", testHeartbeatAndDeregister},
		{"ReapDead", testReapDead},
		{"Leadership", testLeadership},
		{"LeadershipExpiry", testLeadershipExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testRegisterAndList(t *testing.T, s cluster.Store) {
	ctx := context.Background()
	a := NewInstance("web-1")
	b := NewInstance("web-2")
	b.StartedAt = a.StartedAt.Add(time.Second)
	for _, inst := range []*cluster.Instance{a, b} {
		if err := s.RegisterInstance(ctx, inst); err != nil {
			t.Fatalf("RegisterInstance: %v", err)
		}
	}

	list, err := s.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d instances, want 2", len(list))
	}
	if list[0].Hostname != "web-1" || list[1].Hostname != "web-2" {
		t.Errorf("got order %s, %s", list[0].Hostname, list[1].Hostname)
	}
	if len(list[0].Queues) != 2 || list[0].Channels[0] != "chat:*" || list[0].Metadata["version"] != "test" {
		t.Errorf("got %+v", list[0])
	}
}

func testHeartbeatAndDeregister(t *testing.T, s cluster.Store) {
	ctx := context.Background()
	inst := NewInstance("web-1")
	inst.LastSeen = time.Now().UTC().Add(-time.Hour)
	if err := s.RegisterInstance(ctx, inst); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := s.HeartbeatInstance(ctx, inst.ID); err != nil {
		t.Fatalf("HeartbeatInstance: %v", err)
	}
	dead, err := s.ReapDeadInstances(ctx, time.Minute)
	if err != nil || len(dead) != 0 {
		t.Fatalf("heartbeat did not refresh last seen: %v, %v", dead, err)
	}

	if err := s.DeregisterInstance(ctx, inst.ID); err != nil {
		t.Fatalf("DeregisterInstance: %v", err)
	}
	if err := s.HeartbeatInstance(ctx, inst.ID); !errors.Is(err, courier.ErrInstanceNotFound) {
		t.Errorf("got %v, want ErrInstanceNotFound", err)
	}
}

func testReapDead(t *testing.T, s cluster.Store) {
	ctx := context.Background()
	alive := NewInstance("web-1")
	stale := NewInstance("web-2")
	stale.LastSeen = time.Now().UTC().Add(-2 * time.Minute)
	for _, inst := range []*cluster.Instance{alive, stale} {
		if err := s.RegisterInstance(ctx, inst); err != nil {
			t.Fatalf("RegisterInstance: %v", err)
		}
	}

	dead, err := s.ReapDeadInstances(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReapDeadInstances: %v", err)
	}
	if len(dead) != 1 || dead[0].ID.String() != stale.ID.String() {
		t.Fatalf("got %v, want only %s", dead, stale.ID)
	}
	list, err := s.ListInstances(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("got %d instances, %v; want 1", len(list), err)
	}
}

func testLeadership(t *testing.T, s cluster.Store) {
	ctx := context.Background()
	a := NewInstance("web-1")
	b := NewInstance("web-2")
	for _, inst := range []*cluster.Instance{a, b} {
		if err := s.RegisterInstance(ctx, inst); err != nil {
			t.Fatalf("RegisterInstance: %v", err)
		}
	}

	if leader, err := s.GetLeader(ctx); err != nil || leader != nil {
		t.Fatalf("got leader %v, %v before election", leader, err)
	}

	steps := []struct {
		name string
		call func() (bool, error)
		want bool
	}{
		{"a acquires", func() (bool, error) { return s.AcquireLeadership(ctx, a.ID, time.Minute) }, true},
		{"b acquires", func() (bool, error) { return s.AcquireLeadership(ctx, b.ID, time.Minute) }, false},
		{"a renews", func() (bool, error) { return s.RenewLeadership(ctx, a.ID, time.Minute) }, true},
		{"b renews", func() (bool, error) { return s.RenewLeadership(ctx, b.ID, time.Minute) }, false},
		{"a acquires again", func() (bool, error) { return s.AcquireLeadership(ctx, a.ID, time.Minute) }, true},
	}
	for _, step := range steps {
		got, err := step.call()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got != step.want {
			t.Errorf("%s: got %v, want %v", step.name, got, step.want)
		}
	}

	leader, err := s.GetLeader(ctx)
	if err != nil || leader == nil || leader.ID.String() != a.ID.String() || !leader.IsLeader {
		t.Fatalf("got leader %v, %v; want %s", leader, err, a.ID)
	}

	if err := s.DeregisterInstance(ctx, a.ID); err != nil {
		t.Fatalf("DeregisterInstance: %v", err)
	}
	if leader, _ := s.GetLeader(ctx); leader != nil {
		t.Errorf("deregistered leader %s still leads", leader.ID)
	}
	if ok, err := s.AcquireLeadership(ctx, b.ID, time.Minute); err != nil || !ok {
		t.Errorf("b could not take over: %v, %v", ok, err)
	}
}

func testLeadershipExpiry(t *testing.T, s cluster.Store) {
	ctx := context.Background()
	a := NewInstance("web-1")
	b := NewInstance("web-2")
	for _, inst := range []*cluster.Instance{a, b} {
		if err := s.RegisterInstance(ctx, inst); err != nil {
			t.Fatalf("RegisterInstance: %v", err)
		}
	}

	if ok, err := s.AcquireLeadership(ctx, a.ID, 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("a acquire: %v, %v", ok, err)
	}
	time.Sleep(150 * time.Millisecond)

	if ok, err := s.AcquireLeadership(ctx, b.ID, time.Minute); err != nil || !ok {
		t.Fatalf("b acquire after expiry: %v, %v", ok, err)
	}
	if ok, _ := s.RenewLeadership(ctx, a.ID, time.Minute); ok {
		t.Error("expired leader renewed over the new one")
	}
}
