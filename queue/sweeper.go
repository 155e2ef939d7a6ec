package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/courier/ext"
)

// Sweeper periodically promotes due delayed jobs and reclaims jobs whose
// lease expired, for every declared queue. It runs independently of the
// worker slots so a saturated pool still recovers crashed work.
type Sweeper struct {
	manager  *Manager
	exts     *ext.Registry
	logger   *slog.Logger
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(manager *Manager, interval time.Duration, exts *ext.Registry, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  manager,
		exts:     exts,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// SweepResult counts what one sweep moved.
type SweepResult struct {
	Promoted  int
	Reclaimed int
}

// Sweep runs one pass over every declared queue. Per-queue errors are
// logged and the pass continues.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var total SweepResult
	store := s.manager.Store()
	now := time.Now().UTC()

	for _, q := range s.manager.Queues() {
		name := q.Name()

		promoted, err := store.PromoteDelayed(ctx, name, now)
		if err != nil {
			s.logger.Error("promote delayed jobs failed",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
		}

		reclaimed, err := store.ReclaimExpired(ctx, name, now)
		if err != nil {
			s.logger.Error("reclaim expired leases failed",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
		}

		if promoted+reclaimed > 0 {
			q.Signal()
		}
		if reclaimed > 0 {
			s.logger.Warn("reclaimed expired leases",
				slog.String("queue", name),
				slog.Int("count", reclaimed),
			)
			s.exts.EmitJobsReclaimed(ctx, name, reclaimed)
		}

		total.Promoted += promoted
		total.Reclaimed += reclaimed
	}
	return total
}
