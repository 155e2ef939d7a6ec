package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithLeaderCheck restricts purges to instances for which isLeader
// returns true.
func WithLeaderCheck(isLeader func() bool) JanitorOption {
	return func(j *Janitor) { j.isLeader = isLeader }
}

// WithJanitorLogger sets the logger.
func WithJanitorLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = l }
}

// Janitor purges completed and failed jobs past their queue's retention
// on a cron schedule. Dead-lettered jobs are left for operators.
type Janitor struct {
	manager  *Manager
	schedule cronlib.Schedule
	isLeader func() bool
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewJanitor creates a Janitor running on the cron expression expr.
func NewJanitor(manager *Manager, expr string, opts ...JanitorOption) (*Janitor, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", expr, err)
	}
	j := &Janitor{
		manager:  manager,
		schedule: sched,
		isLeader: func() bool { return true },
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start launches the schedule loop.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.loop(ctx)
}

// Stop ends the loop and waits for a running purge to finish.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	for {
		now := time.Now()
		timer := time.NewTimer(j.schedule.Next(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-j.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !j.isLeader() {
			continue
		}
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("janitor run failed", slog.String("error", err.Error()))
		}
	}
}

// RunOnce purges every declared queue and returns the number of jobs
// removed. It keeps going after a per-queue error and returns the first.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	var (
		total    int
		firstErr error
	)
	now := time.Now().UTC()
	for _, q := range j.manager.Queues() {
		cfg := q.Config()
		n, err := j.manager.Store().PurgeFinished(ctx, cfg.Name, now.Add(-cfg.Retention))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("purge %q: %w", cfg.Name, err)
			}
			continue
		}
		if n > 0 {
			j.logger.Info("purged finished jobs",
				slog.String("queue", cfg.Name),
				slog.Int("count", n),
				slog.Duration("retention", cfg.Retention),
			)
		}
		total += n
	}
	return total, firstErr
}
