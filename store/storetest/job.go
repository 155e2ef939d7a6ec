// Package storetest holds conformance suites shared by every store
// backend's tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// NewJob returns a waiting job ready for CreateJob.
func NewJob(queue string, maxAttempts int) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		Entity:      courier.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          id.NewJobID(),
		Queue:       queue,
		Payload:     []byte(`{"ok":true}`),
		State:       job.StateWaiting,
		MaxAttempts: maxAttempts,
		AvailableAt: now,
	}
}

// RunJobStore runs the job store suite. newStore must return an empty
// store each call.
func RunJobStore(t *testing.T, newStore func(t *testing.T) job.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s job.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDelayed", testCreateDelayed},
		{"LeaseOrdering", testLeaseOrdering},
		{"LeaseEmpty", testLeaseEmpty},
		{"LeaseExclusiveUnderLoad", testLeaseExclusive},
		{"CompleteAndStale", testCompleteAndStale},
		{"DeadLetterAtMaxAttempts", testDeadLetter},
		{"FailFailSucceed", testFailFailSucceed},
		{"PermanentFailure", testPermanent},
		{"RescheduleAndPromote", testRescheduleAndPromote},
		{"ReclaimExpired", testReclaim},
		{"ExtendLease", testExtendLease},
		{"Dedupe", testDedupe},
		{"ListCountDelete", testListCountDelete},
		{"PurgeFinished", testPurgeFinished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func create(t *testing.T, s job.Store, j *job.Job) *job.Job {
	t.Helper()
	got, err := s.CreateJob(context.Background(), j)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return got
}

func lease(t *testing.T, s job.Store, queue string) *job.Job {
	t.Helper()
	got, err := s.LeaseJob(context.Background(), queue, "inst_test", time.Minute)
	if err != nil {
		t.Fatalf("LeaseJob: %v", err)
	}
	return got
}

func get(t *testing.T, s job.Store, jobID id.JobID) *job.Job {
	t.Helper()
	got, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got
}

func fail(t *testing.T, s job.Store, j *job.Job, delay time.Duration) job.Outcome {
	t.Helper()
	out, err := s.FailJob(context.Background(), j.ID, j.LeaseToken, job.Failure{Error: "boom", Delay: delay})
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	return out
}

func testCreateAndGet(t *testing.T, s job.Store) {
	in := NewJob("email", 3)
	in.Priority = 7
	created := create(t, s, in)
	if created.ID.String() != in.ID.String() {
		t.Fatalf("got id %s, want %s", created.ID, in.ID)
	}
	if created.Seq <= 0 {
		t.Errorf("got seq %d, want > 0", created.Seq)
	}

	got := get(t, s, in.ID)
	if got.State != job.StateWaiting || got.Attempts != 0 || got.MaxAttempts != 3 || got.Priority != 7 {
		t.Errorf("got %+v", got)
	}
	if string(got.Payload) != `{"ok":true}` {
		t.Errorf("got payload %s", got.Payload)
	}

	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

func testCreateDelayed(t *testing.T, s job.Store) {
	j := NewJob("email", 3)
	j.State = job.StateDelayed
	j.AvailableAt = time.Now().UTC().Add(time.Hour)
	create(t, s, j)

	if got := lease(t, s, "email"); got != nil {
		t.Fatalf("leased delayed job %s", got.ID)
	}
	if got := get(t, s, j.ID); got.State != job.StateDelayed {
		t.Errorf("got state %s, want delayed", got.State)
	}
}

func testLeaseOrdering(t *testing.T, s job.Store) {
	a := create(t, s, NewJob("post", 3))
	b := NewJob("post", 3)
	b.Priority = 5
	b = create(t, s, b)
	c := create(t, s, NewJob("post", 3))
	d := NewJob("post", 3)
	d.Priority = 5
	d = create(t, s, d)

	want := []id.JobID{b.ID, d.ID, a.ID, c.ID}
	for i, w := range want {
		got := lease(t, s, "post")
		if got == nil {
			t.Fatalf("lease %d: got nil", i)
		}
		if got.ID.String() != w.String() {
			t.Errorf("lease %d: got %s, want %s", i, got.ID, w)
		}
		if got.State != job.StateActive || got.LeaseToken == "" || got.LeaseExpiresAt == nil {
			t.Errorf("lease %d: got %+v", i, got)
		}
	}
}

func testLeaseEmpty(t *testing.T, s job.Store) {
	create(t, s, NewJob("other", 3))
	if got := lease(t, s, "email"); got != nil {
		t.Fatalf("got %s from an empty queue", got.ID)
	}
	if got := lease(t, s, "other"); got == nil {
		t.Fatal("expected a job")
	}
	if got := lease(t, s, "other"); got != nil {
		t.Fatalf("active job %s leased twice", got.ID)
	}
}

func testLeaseExclusive(t *testing.T, s job.Store) {
	const jobs, workers = 60, 8
	for range jobs {
		create(t, s, NewJob("chat", 3))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.LeaseJob(context.Background(), "chat", fmt.Sprintf("inst_%d", w), time.Minute)
				if err != nil {
					errs <- err
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("LeaseJob: %v", err)
	}

	if len(seen) != jobs {
		t.Errorf("leased %d distinct jobs, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s leased %d times", jobID, n)
		}
	}
}

func testCompleteAndStale(t *testing.T, s job.Store) {
	ctx := context.Background()
	create(t, s, NewJob("email", 3))
	j := lease(t, s, "email")

	if _, err := s.CompleteJob(ctx, j.ID, "not-the-token"); !errors.Is(err, courier.ErrStaleLease) {
		t.Fatalf("wrong token: got %v, want ErrStaleLease", err)
	}

	done, err := s.CompleteJob(ctx, j.ID, j.LeaseToken)
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if done.State != job.StateCompleted || done.Attempts != 1 || done.FinishedAt == nil {
		t.Errorf("got %+v", done)
	}

	if _, err := s.CompleteJob(ctx, j.ID, j.LeaseToken); !errors.Is(err, courier.ErrStaleLease) {
		t.Errorf("second complete: got %v, want ErrStaleLease", err)
	}
	if _, err := s.FailJob(ctx, j.ID, j.LeaseToken, job.Failure{Error: "late"}); !errors.Is(err, courier.ErrStaleLease) {
		t.Errorf("fail after complete: got %v, want ErrStaleLease", err)
	}
}

func testDeadLetter(t *testing.T, s job.Store) {
	j := create(t, s, NewJob("email", 3))

	for attempt := 1; attempt <= 3; attempt++ {
		leased := lease(t, s, "email")
		if leased == nil {
			t.Fatalf("attempt %d: nothing to lease", attempt)
		}
		out := fail(t, s, leased, 0)
		if out.Job.Attempts != attempt {
			t.Fatalf("attempt %d: got attempts %d", attempt, out.Job.Attempts)
		}
		want := job.OutcomeRescheduled
		if attempt == 3 {
			want = job.OutcomeDeadLettered
		}
		if out.Kind != want {
			t.Fatalf("attempt %d: got outcome %s, want %s", attempt, out.Kind, want)
		}
	}

	got := get(t, s, j.ID)
	if got.State != job.StateDeadLettered || got.Attempts != 3 || got.LastError != "boom" {
		t.Errorf("got %+v", got)
	}
	if again := lease(t, s, "email"); again != nil {
		t.Errorf("dead-lettered job leased again: %s", again.ID)
	}
}

func testFailFailSucceed(t *testing.T, s job.Store) {
	j := create(t, s, NewJob("user", 3))
	fail(t, s, lease(t, s, "user"), 0)
	fail(t, s, lease(t, s, "user"), 0)

	last := lease(t, s, "user")
	done, err := s.CompleteJob(context.Background(), last.ID, last.LeaseToken)
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if done.State != job.StateCompleted || done.Attempts != 3 {
		t.Errorf("got state %s attempts %d, want completed 3", done.State, done.Attempts)
	}
	if got := get(t, s, j.ID); got.Attempts != 3 {
		t.Errorf("stored attempts %d, want 3", got.Attempts)
	}
}

func testPermanent(t *testing.T, s job.Store) {
	j := create(t, s, NewJob("image", 5))
	leased := lease(t, s, "image")
	out, err := s.FailJob(context.Background(), leased.ID, leased.LeaseToken, job.Failure{Error: "bad input", Permanent: true})
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if out.Kind != job.OutcomeFailed {
		t.Errorf("got %s, want failed", out.Kind)
	}
	if got := get(t, s, j.ID); got.State != job.StateFailed || got.Attempts != 1 {
		t.Errorf("got %+v", got)
	}
}

func testRescheduleAndPromote(t *testing.T, s job.Store) {
	ctx := context.Background()
	j := create(t, s, NewJob("email", 3))
	out := fail(t, s, lease(t, s, "email"), time.Hour)
	if out.Kind != job.OutcomeRescheduled || out.Delay != time.Hour {
		t.Fatalf("got %+v", out)
	}
	if got := get(t, s, j.ID); got.State != job.StateDelayed {
		t.Fatalf("got state %s, want delayed", got.State)
	}

	n, err := s.PromoteDelayed(ctx, "email", time.Now().UTC())
	if err != nil || n != 0 {
		t.Fatalf("early promote: got %d, %v", n, err)
	}
	n, err = s.PromoteDelayed(ctx, "email", time.Now().UTC().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("due promote: got %d, %v", n, err)
	}
	if got := lease(t, s, "email"); got == nil || got.ID.String() != j.ID.String() {
		t.Fatalf("promoted job not leasable: %v", got)
	}
}

func testReclaim(t *testing.T, s job.Store) {
	ctx := context.Background()
	j := create(t, s, NewJob("chat", 3))
	first, err := s.LeaseJob(ctx, "chat", "inst_a", 50*time.Millisecond)
	if err != nil || first == nil {
		t.Fatalf("LeaseJob: %v, %v", first, err)
	}

	n, err := s.ReclaimExpired(ctx, "chat", time.Now().UTC())
	if err != nil || n != 0 {
		t.Fatalf("reclaim before expiry: got %d, %v", n, err)
	}
	n, err = s.ReclaimExpired(ctx, "chat", time.Now().UTC().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("reclaim after expiry: got %d, %v", n, err)
	}

	got := get(t, s, j.ID)
	if got.State != job.StateWaiting || got.Attempts != 0 || got.LeaseToken != "" {
		t.Errorf("got %+v", got)
	}

	second := lease(t, s, "chat")
	if second == nil || second.ID.String() != j.ID.String() {
		t.Fatalf("re-lease failed: %v", second)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Error("lease token was not rotated")
	}
	if third := lease(t, s, "chat"); third != nil {
		t.Errorf("job leased twice after reclaim")
	}

	if _, err := s.CompleteJob(ctx, first.ID, first.LeaseToken); !errors.Is(err, courier.ErrStaleLease) {
		t.Errorf("old holder report: got %v, want ErrStaleLease", err)
	}
	if _, err := s.CompleteJob(ctx, second.ID, second.LeaseToken); err != nil {
		t.Errorf("new holder report: %v", err)
	}
}

func testExtendLease(t *testing.T, s job.Store) {
	ctx := context.Background()
	create(t, s, NewJob("chat", 3))
	j, err := s.LeaseJob(ctx, "chat", "inst_a", 50*time.Millisecond)
	if err != nil || j == nil {
		t.Fatalf("LeaseJob: %v, %v", j, err)
	}

	if err := s.ExtendLease(ctx, j.ID, "nope", time.Hour); !errors.Is(err, courier.ErrStaleLease) {
		t.Fatalf("got %v, want ErrStaleLease", err)
	}
	if err := s.ExtendLease(ctx, j.ID, j.LeaseToken, time.Hour); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	n, err := s.ReclaimExpired(ctx, "chat", time.Now().UTC().Add(time.Minute))
	if err != nil || n != 0 {
		t.Errorf("extended lease reclaimed: got %d, %v", n, err)
	}
}

func testDedupe(t *testing.T, s job.Store) {
	a := NewJob("notification", 3)
	a.DedupeKey = "welcome:42"
	first := create(t, s, a)

	b := NewJob("notification", 3)
	b.DedupeKey = "welcome:42"
	second := create(t, s, b)
	if second.ID.String() != first.ID.String() {
		t.Errorf("got %s, want deduplicated %s", second.ID, first.ID)
	}

	c := NewJob("email", 3)
	c.DedupeKey = "welcome:42"
	third := create(t, s, c)
	if third.ID.String() == first.ID.String() {
		t.Error("dedupe key leaked across queues")
	}

	n, err := s.CountJobs(context.Background(), job.CountOpts{Queue: "notification"})
	if err != nil || n != 1 {
		t.Errorf("got %d jobs, %v; want 1", n, err)
	}
}

func testListCountDelete(t *testing.T, s job.Store) {
	ctx := context.Background()
	var ids []id.JobID
	for range 5 {
		ids = append(ids, create(t, s, NewJob("post", 3)).ID)
	}
	create(t, s, NewJob("chat", 3))
	lease(t, s, "post")

	all, err := s.ListJobs(ctx, job.ListOpts{Queue: "post"})
	if err != nil || len(all) != 5 {
		t.Fatalf("got %d, %v; want 5", len(all), err)
	}
	for i, j := range all {
		if j.ID.String() != ids[i].String() {
			t.Errorf("list[%d] = %s, want %s", i, j.ID, ids[i])
		}
	}

	page, err := s.ListJobs(ctx, job.ListOpts{Queue: "post", Limit: 2, Offset: 1})
	if err != nil || len(page) != 2 || page[0].ID.String() != ids[1].String() {
		t.Fatalf("got %v, %v", page, err)
	}

	waiting, err := s.ListJobs(ctx, job.ListOpts{Queue: "post", State: job.StateWaiting})
	if err != nil || len(waiting) != 4 {
		t.Errorf("got %d waiting, %v; want 4", len(waiting), err)
	}

	if n, _ := s.CountJobs(ctx, job.CountOpts{}); n != 6 {
		t.Errorf("count all = %d, want 6", n)
	}
	if n, _ := s.CountJobs(ctx, job.CountOpts{Queue: "post", State: job.StateActive}); n != 1 {
		t.Errorf("count active = %d, want 1", n)
	}

	if err := s.DeleteJob(ctx, ids[4]); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := s.DeleteJob(ctx, ids[4]); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

func testPurgeFinished(t *testing.T, s job.Store) {
	ctx := context.Background()
	done := create(t, s, NewJob("email", 1))
	l := lease(t, s, "email")
	if _, err := s.CompleteJob(ctx, l.ID, l.LeaseToken); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	dead := create(t, s, NewJob("email", 1))
	fail(t, s, lease(t, s, "email"), 0)
	pending := create(t, s, NewJob("email", 1))

	n, err := s.PurgeFinished(ctx, "email", time.Now().UTC().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("purge with old cutoff: got %d, %v", n, err)
	}
	n, err = s.PurgeFinished(ctx, "email", time.Now().UTC().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge: got %d, %v; want 1", n, err)
	}

	if _, err := s.GetJob(ctx, done.ID); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("completed job survived purge: %v", err)
	}
	if got := get(t, s, dead.ID); got.State != job.StateDeadLettered {
		t.Errorf("dead letter purged or changed: %s", got.State)
	}
	if got := get(t, s, pending.ID); got.State != job.StateWaiting {
		t.Errorf("waiting job changed: %s", got.State)
	}
}
