package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/courier/audit_hook"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	repomemory "github.com/xraph/courier/repository/memory"
)

// ── Mock recorder ────────────────────────────────────

type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		Queue:       "email",
		State:       job.StateActive,
		Attempts:    1,
		MaxAttempts: 3,
		LeasedBy:    "inst-a",
	}
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	if got := ah.New(&mockRecorder{}).Name(); got != "audit-hook" {
		t.Errorf("name = %q, want audit-hook", got)
	}
}

func TestExtension_JobHooks(t *testing.T) {
	ctx := context.Background()
	j := newTestJob()
	cause := errors.New("smtp 421")

	tests := []struct {
		name     string
		fire     func(e *ah.Extension) error
		action   string
		severity string
		outcome  string
		reason   string
		metaKey  string
		metaVal  any
	}{
		{"enqueued", func(e *ah.Extension) error { return e.OnJobEnqueued(ctx, j) },
			ah.ActionJobEnqueued, ah.SeverityInfo, ah.OutcomeSuccess, "", "queue", "email"},
		{"started", func(e *ah.Extension) error { return e.OnJobStarted(ctx, j) },
			ah.ActionJobStarted, ah.SeverityInfo, ah.OutcomeSuccess, "", "instance_id", "inst-a"},
		{"completed", func(e *ah.Extension) error { return e.OnJobCompleted(ctx, j, 150*time.Millisecond) },
			ah.ActionJobCompleted, ah.SeverityInfo, ah.OutcomeSuccess, "", "elapsed_ms", int64(150)},
		{"retrying", func(e *ah.Extension) error { return e.OnJobRetrying(ctx, j, 1, time.Now()) },
			ah.ActionJobRetrying, ah.SeverityWarning, ah.OutcomeFailure, "", "attempt", 1},
		{"failed", func(e *ah.Extension) error { return e.OnJobFailed(ctx, j, cause) },
			ah.ActionJobFailed, ah.SeverityCritical, ah.OutcomeFailure, "smtp 421", "attempts", 1},
		{"dead lettered", func(e *ah.Extension) error { return e.OnJobDeadLettered(ctx, j, cause) },
			ah.ActionJobDeadLettered, ah.SeverityCritical, ah.OutcomeFailure, "smtp 421", "max_attempts", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecorder{}
			if err := tt.fire(ah.New(rec)); err != nil {
				t.Fatalf("hook returned %v", err)
			}
			evt := rec.last()
			if evt == nil {
				t.Fatal("no event recorded")
			}
			if evt.Action != tt.action || evt.Severity != tt.severity || evt.Outcome != tt.outcome {
				t.Errorf("got %s/%s/%s, want %s/%s/%s",
					evt.Action, evt.Severity, evt.Outcome, tt.action, tt.severity, tt.outcome)
			}
			if evt.Resource != ah.ResourceJob || evt.ResourceID != j.ID.String() {
				t.Errorf("resource = %s %s", evt.Resource, evt.ResourceID)
			}
			if evt.Category != ah.CategoryJob {
				t.Errorf("category = %q, want %q", evt.Category, ah.CategoryJob)
			}
			if evt.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", evt.Reason, tt.reason)
			}
			if evt.Metadata[tt.metaKey] != tt.metaVal {
				t.Errorf("metadata[%s] = %v, want %v", tt.metaKey, evt.Metadata[tt.metaKey], tt.metaVal)
			}
			if evt.At.IsZero() {
				t.Error("At not set")
			}
		})
	}
}

func TestExtension_JobsReclaimed(t *testing.T) {
	rec := &mockRecorder{}
	if err := ah.New(rec).OnJobsReclaimed(context.Background(), "email", 4); err != nil {
		t.Fatal(err)
	}
	evt := rec.last()
	if evt.Resource != ah.ResourceQueue || evt.ResourceID != "email" || evt.Metadata["count"] != 4 {
		t.Errorf("event = %+v", evt)
	}
}

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobDeadLettered))
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobCompleted(ctx, j, time.Second)
	_ = e.OnJobDeadLettered(ctx, j, errors.New("x"))

	if rec.count() != 1 {
		t.Fatalf("recorded %d events, want 1", rec.count())
	}
	if rec.last().Action != ah.ActionJobDeadLettered {
		t.Errorf("action = %q", rec.last().Action)
	}
}

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failing := ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("backend down")
	})
	e := ah.New(failing, ah.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := e.OnJobFailed(context.Background(), newTestJob(), errors.New("x")); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.Register(ah.New(rec))

	ctx := context.Background()
	j := newTestJob()
	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobRetrying(ctx, j, 1, time.Now())
	reg.EmitJobsReclaimed(ctx, "email", 2)

	if rec.count() != 3 {
		t.Errorf("recorded %d events, want 3", rec.count())
	}
}

func TestRepositoryRecorder(t *testing.T) {
	repo := repomemory.New()
	e := ah.New(ah.RepositoryRecorder(repo, "audit"))
	ctx := context.Background()

	_ = e.OnJobDeadLettered(ctx, newTestJob(), errors.New("gave up"))
	_ = e.OnJobsReclaimed(ctx, "email", 1)

	docs, err := repo.Find(ctx, "audit", map[string]any{"action": ah.ActionJobDeadLettered}, 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
	if docs[0]["reason"] != "gave up" || docs[0]["severity"] != ah.SeverityCritical {
		t.Errorf("doc = %v", docs[0])
	}
}

func TestAllActions(t *testing.T) {
	seen := map[string]bool{}
	for _, a := range ah.AllActions() {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
	if len(seen) != 7 {
		t.Errorf("actions = %d, want 7", len(seen))
	}
}
