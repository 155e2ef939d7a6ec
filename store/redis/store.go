package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store"
)

// Compile-time interface checks.
var (
	_ job.Store     = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
	_ store.Store   = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements job.Store and cluster.Store backed by Redis.
type Store struct {
	client *goredis.Client
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
//
// The transition scripts touch job hashes they discover at run time, so
// every key must live on one node. New takes a single-node client (plain
// or Sentinel failover) for that reason; Redis Cluster and Ring clients
// are not supported.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() *goredis.Client { return s.client }

// Migrate is a no-op for Redis.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client.
func (s *Store) Close() error { return nil }
