// Package memory implements every courier store contract in process
// memory, plus a [Hub] broadcast medium. It is safe for concurrent use and
// intended for tests, development, and single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store"
)

var (
	_ job.Store     = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
	_ store.Store   = (*Store)(nil)
)

// Store is an in-memory job and instance store. Every method copies in and
// out, so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*job.Job
	dedupe map[dedupeKey]string
	seq    int64

	instances   map[string]*cluster.Instance
	leader      string
	leaderUntil time.Time
}

type dedupeKey struct {
	queue string
	key   string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		dedupe:    make(map[dedupeKey]string),
		instances: make(map[string]*cluster.Instance),
	}
}

// Migrate is a no-op.
func (m *Store) Migrate(context.Context) error { return nil }

// Ping always succeeds.
func (m *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Store) Close() error { return nil }

func now() time.Time { return time.Now().UTC() }
