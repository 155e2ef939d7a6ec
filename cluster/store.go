package cluster

import (
	"context"
	"time"

	"github.com/xraph/courier/id"
)

// Store defines the persistence contract for the instance registry.
type Store interface {
	// RegisterInstance adds or replaces an instance entry.
	RegisterInstance(ctx context.Context, inst *Instance) error

	// DeregisterInstance removes an instance entry.
	DeregisterInstance(ctx context.Context, instanceID id.InstanceID) error

	// HeartbeatInstance refreshes LastSeen. It returns
	// courier.ErrInstanceNotFound if the entry was reaped.
	HeartbeatInstance(ctx context.Context, instanceID id.InstanceID) error

	// ListInstances returns all registered instances.
	ListInstances(ctx context.Context) ([]*Instance, error)

	// ReapDeadInstances removes and returns instances not seen within
	// threshold.
	ReapDeadInstances(ctx context.Context, threshold time.Duration) ([]*Instance, error)

	// AcquireLeadership makes instanceID leader if there is no live leader.
	// It reports whether instanceID holds leadership afterwards.
	AcquireLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error)

	// RenewLeadership extends leadership held by instanceID.
	RenewLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error)

	// GetLeader returns the live leader, or nil when there is none.
	GetLeader(ctx context.Context) (*Instance, error)
}
