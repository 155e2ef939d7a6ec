package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/worker"
)

// hooks records lifecycle events.
type hooks struct {
	mu           sync.Mutex
	started      int
	completed    int
	retrying     []int
	failed       []error
	deadLettered []error
}

func (h *hooks) Name() string { return "hooks" }

func (h *hooks) OnJobStarted(context.Context, *job.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return nil
}

func (h *hooks) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed++
	return nil
}

func (h *hooks) OnJobRetrying(_ context.Context, _ *job.Job, attempt int, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retrying = append(h.retrying, attempt)
	return nil
}

func (h *hooks) OnJobFailed(_ context.Context, _ *job.Job, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, err)
	return nil
}

func (h *hooks) OnJobDeadLettered(_ context.Context, _ *job.Job, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadLettered = append(h.deadLettered, err)
	return nil
}

type fixture struct {
	store   *memory.Store
	manager *queue.Manager
	pool    *worker.Pool
	hooks   *hooks
}

func setup(t *testing.T, qcfg queue.Config, opts ...worker.PoolOption) *fixture {
	t.Helper()
	logger := slog.Default()
	s := memory.New()

	defaults := courier.DefaultConfig()
	defaults.PollInterval = 10 * time.Millisecond

	h := &hooks{}
	exts := ext.NewRegistry(logger)
	exts.Register(h)

	m := queue.NewManager(s, queue.WithDefaults(defaults), queue.WithExtensions(exts))
	if qcfg.Backoff == nil {
		qcfg.Backoff = backoff.NewConstant(0)
	}
	if _, err := m.Declare(qcfg); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	exec := worker.NewExecutor(job.NewRegistry(), exts, logger,
		middleware.Recover(logger),
		middleware.Timeout(logger),
	)
	pool := worker.NewPool(m, exec, exts, logger, opts...)
	t.Cleanup(func() { _ = pool.Stop(context.Background(), false) })

	return &fixture{store: s, manager: m, pool: pool, hooks: h}
}

func (f *fixture) enqueue(t *testing.T, queueName string, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := f.manager.Enqueue(context.Background(), queueName, []byte(`{"name":"ada"}`), opts...)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return j
}

func (f *fixture) waitState(t *testing.T, jobID id.JobID, want job.State) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := f.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.State == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", jobID, j.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestPool_StartStop(t *testing.T) {
	f := setup(t, queue.Config{Name: "email"})
	f.pool.Register("email", func(context.Context, []byte) error { return nil })

	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.pool.Start(context.Background()); !errors.Is(err, courier.ErrPoolRunning) {
		t.Fatalf("second Start: got %v, want ErrPoolRunning", err)
	}
	if !f.pool.Running() {
		t.Error("pool not running")
	}

	start := time.Now()
	if err := f.pool.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("idle stop took %s", took)
	}
	if err := f.pool.Stop(context.Background(), true); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// A stopped pool can start again.
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestPool_StartUndeclaredQueue(t *testing.T) {
	f := setup(t, queue.Config{Name: "email"})
	f.pool.Register("sms", func(context.Context, []byte) error { return nil })

	if err := f.pool.Start(context.Background()); !errors.Is(err, courier.ErrInvalidQueueName) {
		t.Errorf("got %v, want ErrInvalidQueueName", err)
	}
}

func TestPool_StartQueueWithoutHandler(t *testing.T) {
	f := setup(t, queue.Config{Name: "email"}, worker.WithPoolQueues("email"))

	if err := f.pool.Start(context.Background()); !errors.Is(err, courier.ErrNoHandler) {
		t.Errorf("got %v, want ErrNoHandler", err)
	}
}

// ──────────────────────────────────────────────────
// Execution outcomes
// ──────────────────────────────────────────────────

func TestPool_ProcessesTypedJob(t *testing.T) {
	f := setup(t, queue.Config{Name: "email"})

	var got atomic.Value
	job.RegisterDefinition(f.pool.Executor().Registry(), job.NewDefinition("email",
		func(ctx context.Context, p struct{ Name string }) error {
			if _, ok := job.FromContext(ctx); !ok {
				return errors.New("job missing from context")
			}
			got.Store(p.Name)
			return nil
		}))

	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j := f.enqueue(t, "email")

	done := f.waitState(t, j.ID, job.StateCompleted)
	if done.Attempts != 1 {
		t.Errorf("got attempts %d, want 1", done.Attempts)
	}
	if name, _ := got.Load().(string); name != "ada" {
		t.Errorf("got name %q, want ada", name)
	}
}

func TestPool_FailFailSucceed(t *testing.T) {
	f := setup(t, queue.Config{Name: "user", MaxAttempts: 3})

	var calls atomic.Int32
	f.pool.Register("user", func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j := f.enqueue(t, "user")
	done := f.waitState(t, j.ID, job.StateCompleted)
	if done.Attempts != 3 {
		t.Errorf("got attempts %d, want 3", done.Attempts)
	}

	f.hooks.mu.Lock()
	defer f.hooks.mu.Unlock()
	if len(f.hooks.retrying) != 2 || f.hooks.retrying[0] != 1 || f.hooks.retrying[1] != 2 {
		t.Errorf("got retrying hooks %v, want [1 2]", f.hooks.retrying)
	}
	if f.hooks.completed != 1 || f.hooks.started != 3 {
		t.Errorf("got completed %d started %d", f.hooks.completed, f.hooks.started)
	}
}

func TestPool_DeadLetter(t *testing.T) {
	f := setup(t, queue.Config{Name: "email", MaxAttempts: 2})
	f.pool.Register("email", func(context.Context, []byte) error { return errors.New("smtp down") })
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j := f.enqueue(t, "email")
	dead := f.waitState(t, j.ID, job.StateDeadLettered)
	if dead.Attempts != 2 || dead.LastError != "smtp down" {
		t.Errorf("got %+v", dead)
	}

	f.hooks.mu.Lock()
	defer f.hooks.mu.Unlock()
	if len(f.hooks.deadLettered) != 1 || !errors.Is(f.hooks.deadLettered[0], courier.ErrDeadLettered) {
		t.Errorf("got dead-letter hooks %v", f.hooks.deadLettered)
	}
}

func TestPool_PermanentFailure(t *testing.T) {
	f := setup(t, queue.Config{Name: "image", MaxAttempts: 5})
	f.pool.Register("image", func(context.Context, []byte) error {
		return job.Permanent(errors.New("unsupported format"))
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j := f.enqueue(t, "image")
	failed := f.waitState(t, j.ID, job.StateFailed)
	if failed.Attempts != 1 {
		t.Errorf("got attempts %d, want 1", failed.Attempts)
	}

	f.hooks.mu.Lock()
	defer f.hooks.mu.Unlock()
	if len(f.hooks.failed) != 1 || !errors.Is(f.hooks.failed[0], courier.ErrHandler) {
		t.Errorf("got failed hooks %v", f.hooks.failed)
	}
}

func TestPool_PanicIsFailure(t *testing.T) {
	f := setup(t, queue.Config{Name: "post", MaxAttempts: 1})
	f.pool.Register("post", func(context.Context, []byte) error { panic("nil map") })
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j := f.enqueue(t, "post")
	dead := f.waitState(t, j.ID, job.StateDeadLettered)
	if !strings.Contains(dead.LastError, "panic") {
		t.Errorf("got last error %q", dead.LastError)
	}
}

func TestPool_Timeout(t *testing.T) {
	f := setup(t, queue.Config{Name: "image", MaxAttempts: 1, Timeout: 20 * time.Millisecond})
	f.pool.Register("image", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j := f.enqueue(t, "image")
	dead := f.waitState(t, j.ID, job.StateDeadLettered)
	if !strings.Contains(dead.LastError, courier.ErrTimeout.Error()) {
		t.Errorf("got last error %q", dead.LastError)
	}
}

// ──────────────────────────────────────────────────
// Concurrency and leases
// ──────────────────────────────────────────────────

func TestPool_ConcurrencyLimit(t *testing.T) {
	f := setup(t, queue.Config{Name: "chat", Concurrency: 3})

	var running, peak atomic.Int32
	release := make(chan struct{})
	f.pool.Register("chat", func(context.Context, []byte) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var ids []id.JobID
	for range 6 {
		ids = append(ids, f.enqueue(t, "chat").ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for running.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if got := peak.Load(); got != 3 {
		t.Errorf("got peak concurrency %d, want 3", got)
	}

	close(release)
	for _, jobID := range ids {
		f.waitState(t, jobID, job.StateCompleted)
	}
}

func TestPool_DefaultConcurrencyFallback(t *testing.T) {
	f := setup(t, queue.Config{Name: "chat"}, worker.WithPoolConcurrency(2))

	var running atomic.Int32
	release := make(chan struct{})
	f.pool.Register("chat", func(context.Context, []byte) error {
		running.Add(1)
		<-release
		return nil
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 4 {
		f.enqueue(t, "chat")
	}

	time.Sleep(100 * time.Millisecond)
	if got := running.Load(); got != 2 {
		t.Errorf("got %d running, want 2", got)
	}
	if got := f.pool.Active(); got != 2 {
		t.Errorf("got Active %d, want 2", got)
	}
	close(release)
}

func TestPool_LostLeaseCancelsHandler(t *testing.T) {
	f := setup(t, queue.Config{Name: "chat", LeaseDuration: 30 * time.Millisecond})

	var calls atomic.Int32
	cancelled := make(chan struct{})
	f.pool.Register("chat", func(ctx context.Context, _ []byte) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		}
		return nil
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j := f.enqueue(t, "chat")
	f.waitState(t, j.ID, job.StateActive)

	// Another instance's sweeper takes the job back.
	if _, err := f.store.ReclaimExpired(context.Background(), "chat", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not cancelled after the lease was lost")
	}

	done := f.waitState(t, j.ID, job.StateCompleted)
	if done.Attempts != 1 {
		t.Errorf("got attempts %d, want 1 (the lost run is not counted)", done.Attempts)
	}
}

// ──────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────

func TestPool_GracefulStopWaitsForBusySlots(t *testing.T) {
	f := setup(t, queue.Config{Name: "email"}, worker.WithShutdownGrace(2*time.Second))

	started := make(chan struct{})
	f.pool.Register("email", func(context.Context, []byte) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j := f.enqueue(t, "email")
	<-started

	if err := f.pool.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := f.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateCompleted {
		t.Errorf("got state %s, want completed", got.State)
	}
}

func TestPool_GraceExpiryAbandons(t *testing.T) {
	f := setup(t, queue.Config{Name: "email"}, worker.WithShutdownGrace(20*time.Millisecond))

	started := make(chan struct{})
	f.pool.Register("email", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j := f.enqueue(t, "email")
	<-started

	if err := f.pool.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	got, _ := f.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateActive || got.Attempts != 0 {
		t.Errorf("got state %s attempts %d, want an unreported active job", got.State, got.Attempts)
	}
}

func TestPool_HardStopAbandons(t *testing.T) {
	f := setup(t, queue.Config{Name: "email"}, worker.WithShutdownGrace(time.Hour))

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	f.pool.Register("email", func(context.Context, []byte) error {
		close(started)
		<-block
		return nil
	})
	if err := f.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j := f.enqueue(t, "email")
	<-started

	stopped := make(chan struct{})
	go func() {
		_ = f.pool.Stop(context.Background(), false)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hard stop waited for a handler that ignores cancellation")
	}

	got, _ := f.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateActive {
		t.Errorf("got state %s, want active", got.State)
	}
}
