package store

import (
	"context"

	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/job"
)

// Store is the aggregate persistence interface. A backend that implements
// it can serve as both the engine's job store and its cluster store.
type Store interface {
	job.Store
	cluster.Store

	// Migrate creates or updates the backend schema. Backends without a
	// schema return nil.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend's resources. It does not close clients
	// the caller passed in.
	Close() error
}
