package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
)

// Pool runs worker slots for every queue with a registered handler. Each
// slot polls its queue, runs one job at a time and keeps the lease alive
// while the handler runs.
type Pool struct {
	manager     *queue.Manager
	executor    *Executor
	extensions  *ext.Registry
	logger      *slog.Logger
	concurrency int
	queues      []string
	instanceID  string
	grace       time.Duration

	mu      sync.Mutex
	running bool
	run     *cycle

	active atomic.Int64
}

// cycle is the state of one Start..Stop cycle.
type cycle struct {
	pollCtx  context.Context
	stopPoll context.CancelFunc

	jobCtx    context.Context
	cancelJob context.CancelFunc

	// abandon is closed when busy slots must give up their jobs without
	// reporting.
	abandon chan struct{}

	wg sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the slot count for queues whose Config leaves
// Concurrency at zero.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues restricts the pool to the named queues. By default every
// queue with a registered handler is served.
func WithPoolQueues(queues ...string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithInstanceID sets the id recorded as the lease holder.
func WithInstanceID(instanceID string) PoolOption {
	return func(p *Pool) { p.instanceID = instanceID }
}

// WithShutdownGrace bounds how long a graceful Stop waits for busy slots.
func WithShutdownGrace(d time.Duration) PoolOption {
	return func(p *Pool) { p.grace = d }
}

// NewPool creates a worker pool.
func NewPool(
	manager *queue.Manager,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := courier.DefaultConfig()
	p := &Pool{
		manager:     manager,
		executor:    executor,
		extensions:  extensions,
		logger:      logger,
		concurrency: defaults.Concurrency,
		instanceID:  id.NewInstanceID().String(),
		grace:       defaults.ShutdownGrace,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InstanceID returns the id recorded on leases taken by this pool.
func (p *Pool) InstanceID() string { return p.instanceID }

// Executor returns the executor running the pool's jobs.
func (p *Pool) Executor() *Executor { return p.executor }

// Register binds handler to queue.
func (p *Pool) Register(queueName string, handler job.HandlerFunc) {
	p.executor.Registry().Register(queueName, handler)
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Running reports whether the pool has been started and not stopped.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the slots and returns immediately. Every served queue
// must be declared on the manager.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return courier.ErrPoolRunning
	}

	names := p.queues
	if len(names) == 0 {
		names = p.executor.Registry().Queues()
	}

	type plan struct {
		q     *queue.Queue
		slots int
	}
	plans := make([]plan, 0, len(names))
	for _, name := range names {
		q, err := p.manager.Get(name)
		if err != nil {
			return err
		}
		if _, ok := p.executor.Registry().Get(name); !ok {
			return fmt.Errorf("%w for queue %q", courier.ErrNoHandler, name)
		}
		slots := q.Config().Concurrency
		if slots <= 0 {
			slots = p.concurrency
		}
		plans = append(plans, plan{q: q, slots: slots})
	}

	r := &cycle{abandon: make(chan struct{})}
	r.pollCtx, r.stopPoll = context.WithCancel(context.Background())
	r.jobCtx, r.cancelJob = context.WithCancel(context.Background())

	for _, pl := range plans {
		for range pl.slots {
			r.wg.Add(1)
			go p.slot(r, pl.q)
		}
		p.logger.Info("worker slots started",
			slog.String("queue", pl.q.Name()),
			slog.Int("slots", pl.slots),
			slog.String("instance_id", p.instanceID),
		)
	}

	p.run = r
	p.running = true
	return nil
}

// Stop halts the pool. Idle slots return at once. With graceful set,
// busy slots get the shutdown grace (or until ctx is done) to finish and
// report; whatever is still running afterwards is cancelled and abandoned
// without a report, leaving the job active until its lease expires and
// the sweeper reclaims it. Without graceful, busy jobs are abandoned
// immediately.
func (p *Pool) Stop(ctx context.Context, graceful bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	r := p.run
	p.running = false
	p.run = nil
	p.mu.Unlock()

	p.logger.Info("worker pool stopping",
		slog.Bool("graceful", graceful),
		slog.Int("active", p.Active()),
	)
	r.stopPoll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	if graceful {
		grace := time.NewTimer(p.grace)
		defer grace.Stop()
		select {
		case <-done:
			r.cancelJob()
			p.logger.Info("worker pool stopped gracefully")
			return nil
		case <-grace.C:
		case <-ctx.Done():
		}
		p.logger.Warn("shutdown grace expired, abandoning active jobs", slog.Int("active", p.Active()))
	}

	close(r.abandon)
	r.cancelJob()
	<-done
	p.logger.Info("worker pool stopped")
	return nil
}

// slot is one worker goroutine bound to q.
func (p *Pool) slot(r *cycle, q *queue.Queue) {
	defer r.wg.Done()

	for {
		j, err := q.Poll(r.pollCtx, p.instanceID)
		if err != nil {
			if r.pollCtx.Err() != nil {
				return
			}
			p.logger.Error("poll failed",
				slog.String("queue", q.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.execute(r, q, j)
	}
}

// execute runs j in its own goroutine while extending the lease every
// third of the lease duration.
func (p *Pool) execute(r *cycle, q *queue.Queue, j *job.Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	ctx, cancel := context.WithCancel(r.jobCtx)
	defer cancel()

	p.extensions.EmitJobStarted(ctx, j)
	start := time.Now()

	result := make(chan error, 1)
	go func() { result <- p.executor.Run(ctx, j) }()

	every := q.Config().LeaseDuration / 3
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	lost := false
	for {
		select {
		case runErr := <-result:
			if lost || abandoned(r) {
				return
			}
			// Reports use a fresh context so a graceful drain can still
			// record outcomes after polling stopped.
			_ = p.executor.Report(context.Background(), q, j, runErr, time.Since(start)) //nolint:errcheck // logged by Report
			return

		case <-ticker.C:
			if lost {
				continue
			}
			if err := q.Extend(ctx, j); err != nil {
				if queue.IsStale(err) {
					lost = true
					p.logger.Warn("lease lost, cancelling handler",
						slog.String("job_id", j.ID.String()),
						slog.String("queue", j.Queue),
					)
					cancel()
					continue
				}
				p.logger.Error("lease extension failed",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}

		case <-r.abandon:
			p.logger.Warn("abandoning job",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", j.Queue),
			)
			return
		}
	}
}

// abandoned reports whether Stop gave up on busy slots. It is checked
// after a handler returns because cancellation always follows abandon.
func abandoned(r *cycle) bool {
	select {
	case <-r.abandon:
		return true
	default:
		return false
	}
}
