package dlq_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store/memory"
)

func setup(t *testing.T, queues ...string) (*dlq.Service, *queue.Manager) {
	t.Helper()
	m := queue.NewManager(memory.New())
	for _, name := range queues {
		if _, err := m.Declare(queue.Config{Name: name, MaxAttempts: 1}); err != nil {
			t.Fatalf("Declare(%q): %v", name, err)
		}
	}
	return dlq.NewService(m, dlq.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))), m
}

// deadLetter enqueues a single-attempt job and fails it.
func deadLetter(t *testing.T, m *queue.Manager, queueName string, payload string, opts ...job.Option) *job.Job {
	t.Helper()
	ctx := context.Background()
	q, err := m.Get(queueName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, []byte(payload), opts...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := q.TryLease(ctx, "inst_test")
	if err != nil || j == nil {
		t.Fatalf("TryLease = %v, %v", j, err)
	}
	out, err := q.Fail(ctx, j, errors.New("smtp timeout"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if out.Kind != job.OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want %s", out.Kind, job.OutcomeDeadLettered)
	}
	return out.Job
}

func TestListAndGet(t *testing.T) {
	svc, m := setup(t, "email", "image")
	ctx := context.Background()

	a := deadLetter(t, m, "email", `{"to":"a@example.com"}`)
	deadLetter(t, m, "email", `{"to":"b@example.com"}`)
	deadLetter(t, m, "image", `{"key":"x.png"}`)

	entries, err := svc.List(ctx, "email", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	first := entries[0]
	if first.JobID.String() != a.ID.String() {
		t.Errorf("first = %s, want %s", first.JobID, a.ID)
	}
	if first.Error != "smtp timeout" {
		t.Errorf("Error = %q, want %q", first.Error, "smtp timeout")
	}
	if first.Attempts != 1 || first.MaxAttempts != 1 {
		t.Errorf("attempts = %d/%d, want 1/1", first.Attempts, first.MaxAttempts)
	}
	if first.FailedAt.IsZero() {
		t.Error("FailedAt is zero")
	}

	all, err := svc.List(ctx, "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}

	paged, err := svc.List(ctx, "email", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].JobID.String() == a.ID.String() {
		t.Errorf("page 2 = %+v, want the second dead letter", paged)
	}

	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != `{"to":"a@example.com"}` {
		t.Errorf("Payload = %s", got.Payload)
	}

	n, err := svc.Count(ctx, "")
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v, want 3", n, err)
	}
}

func TestListUnknownQueue(t *testing.T) {
	svc, _ := setup(t, "email")
	if _, err := svc.List(context.Background(), "nope", 0, 0); !errors.Is(err, courier.ErrInvalidQueueName) {
		t.Errorf("err = %v, want ErrInvalidQueueName", err)
	}
}

func TestGetRejectsLiveJob(t *testing.T) {
	svc, m := setup(t, "email")
	ctx := context.Background()

	j, err := m.Enqueue(ctx, "email", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, j.ID); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("Get(waiting) = %v, want ErrJobNotFound", err)
	}
	if _, err := svc.Get(ctx, id.NewJobID()); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("Get(missing) = %v, want ErrJobNotFound", err)
	}
}

func TestReplay(t *testing.T) {
	svc, m := setup(t, "email")
	ctx := context.Background()

	old := deadLetter(t, m, "email", `{"to":"c@example.com"}`,
		job.WithPriority(5),
		job.WithMaxAttempts(1),
		job.WithDedupeKey("welcome-c"),
	)

	fresh, err := svc.Replay(ctx, old.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if fresh.ID.String() == old.ID.String() {
		t.Fatal("replay reused the dead-lettered id")
	}
	if fresh.State != job.StateWaiting {
		t.Errorf("State = %s, want waiting", fresh.State)
	}
	if fresh.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", fresh.Attempts)
	}
	if fresh.Priority != 5 || fresh.MaxAttempts != 1 {
		t.Errorf("priority/max = %d/%d, want 5/1", fresh.Priority, fresh.MaxAttempts)
	}
	if string(fresh.Payload) != `{"to":"c@example.com"}` {
		t.Errorf("Payload = %s", fresh.Payload)
	}

	if _, err := m.Store().GetJob(ctx, old.ID); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("old record: err = %v, want ErrJobNotFound", err)
	}
	if _, err := svc.Replay(ctx, old.ID); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("second replay = %v, want ErrJobNotFound", err)
	}

	// The old record released its dedupe key.
	again, err := m.Enqueue(ctx, "email", []byte(`{}`), job.WithDedupeKey("welcome-c"))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID.String() == old.ID.String() {
		t.Error("dedupe key still bound to the purged dead letter")
	}
}

func TestPurge(t *testing.T) {
	svc, m := setup(t, "email", "image")
	ctx := context.Background()

	deadLetter(t, m, "email", `{}`)
	deadLetter(t, m, "email", `{}`)
	keep := deadLetter(t, m, "image", `{}`)
	live, err := m.Enqueue(ctx, "email", []byte(`{}`), job.WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	n, err := svc.Purge(ctx, "email")
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
	if _, err := m.Store().GetJob(ctx, live.ID); err != nil {
		t.Errorf("live job removed: %v", err)
	}
	if _, err := svc.Get(ctx, keep.ID); err != nil {
		t.Errorf("other queue purged: %v", err)
	}

	n, err = svc.Purge(ctx, "")
	if err != nil || n != 1 {
		t.Errorf("Purge(all) = %d, %v, want 1", n, err)
	}
}
