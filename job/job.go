package job

import (
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job can be leased now.
	StateWaiting State = "waiting"
	// StateDelayed means the job becomes waiting at AvailableAt.
	StateDelayed State = "delayed"
	// StateActive means a worker holds the lease.
	StateActive State = "active"
	// StateCompleted means the handler succeeded.
	StateCompleted State = "completed"
	// StateFailed means the handler returned a permanent error.
	StateFailed State = "failed"
	// StateDeadLettered means the retry budget is exhausted.
	StateDeadLettered State = "dead_lettered"
)

// States lists every state in lifecycle order.
var States = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StateDeadLettered}

// Terminal reports whether no further transition happens without an
// operator.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeadLettered
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// Job is a unit of deferred work.
type Job struct {
	courier.Entity

	ID          id.JobID      `json:"id"`
	Queue       string        `json:"queue"`
	Payload     []byte        `json:"payload"`
	State       State         `json:"state"`
	Priority    int           `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	DedupeKey   string        `json:"dedupe_key,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	LastError   string        `json:"last_error,omitempty"`

	// Seq is the store-assigned creation sequence used for FIFO ordering.
	Seq int64 `json:"seq"`

	AvailableAt    time.Time  `json:"available_at"`
	LeaseToken     string     `json:"-"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
