package cluster

import (
	"time"

	"github.com/xraph/courier/id"
)

// State is the lifecycle state of a server instance.
type State string

const (
	// StateActive means the instance leases jobs and relays events.
	StateActive State = "active"
	// StateDraining means the instance is stopping and leases nothing new.
	StateDraining State = "draining"
)

// Instance is one running courier process.
type Instance struct {
	ID          id.InstanceID     `json:"id"`
	Hostname    string            `json:"hostname"`
	Queues      []string          `json:"queues"`
	Channels    []string          `json:"channels"`
	Concurrency int               `json:"concurrency"`
	State       State             `json:"state"`
	IsLeader    bool              `json:"is_leader"`
	LeaderUntil *time.Time        `json:"leader_until,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
