package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/xraph/courier"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithExtensions sets the registry that receives enqueue hooks.
func WithExtensions(r *ext.Registry) Option {
	return func(m *Manager) { m.exts = r }
}

// WithDefaults sets the defaults applied to zero Config fields.
func WithDefaults(cfg courier.Config) Option {
	return func(m *Manager) { m.defaults = cfg }
}

// Manager owns the declared queues. It is safe for concurrent use.
type Manager struct {
	store    job.Store
	exts     *ext.Registry
	logger   *slog.Logger
	defaults courier.Config

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewManager creates a Manager over store.
func NewManager(store job.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   slog.Default(),
		defaults: courier.DefaultConfig(),
		queues:   make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the job store behind every queue.
func (m *Manager) Store() job.Store { return m.store }

// Declare registers a queue. Redeclaring a name replaces its
// configuration but keeps the pending wake-up signal.
func (m *Manager) Declare(cfg Config) (*Queue, error) {
	if !job.ValidQueueName(cfg.Name) {
		return nil, fmt.Errorf("%w: %q", courier.ErrInvalidQueueName, cfg.Name)
	}
	cfg = cfg.withDefaults(m.defaults)

	m.mu.Lock()
	defer m.mu.Unlock()

	q := newQueue(cfg, m.store, m.exts, m.logger, m.defaults.PollInterval)
	if old, ok := m.queues[cfg.Name]; ok {
		q.signal = old.signal
	}
	m.queues[cfg.Name] = q

	m.logger.Debug("queue declared",
		slog.String("queue", cfg.Name),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)
	return q, nil
}

// Get returns a declared queue or courier.ErrInvalidQueueName.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not declared", courier.ErrInvalidQueueName, name)
	}
	return q, nil
}

// Names returns the declared queue names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns the declared queues ordered by name.
func (m *Manager) Queues() []*Queue {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Queue, 0, len(names))
	for _, name := range names {
		if q, ok := m.queues[name]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Enqueue adds a job to the named queue.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload []byte, opts ...job.Option) (*job.Job, error) {
	q, err := m.Get(queueName)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, payload, opts...)
}

// Stats is the per-state job count of one queue.
type Stats struct {
	Queue  string              `json:"queue"`
	Counts map[job.State]int64 `json:"counts"`
}

// Stats counts jobs per state for every declared queue.
func (m *Manager) Stats(ctx context.Context) ([]Stats, error) {
	names := m.Names()
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		s := Stats{Queue: name, Counts: make(map[job.State]int64, len(job.States))}
		for _, state := range job.States {
			n, err := m.store.CountJobs(ctx, job.CountOpts{Queue: name, State: state})
			if err != nil {
				return nil, fmt.Errorf("count %s jobs on %q: %w", state, name, err)
			}
			s.Counts[state] = n
		}
		out = append(out, s)
	}
	return out, nil
}
