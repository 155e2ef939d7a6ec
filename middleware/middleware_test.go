package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		Queue:       "email",
		Attempts:    2,
		MaxAttempts: 5,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string
	trace := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
			order = append(order, name+"-before")
			err := next(ctx)
			order = append(order, name+"-after")
			return err
		}
	}

	chain := middleware.Chain(trace("mw1"), trace("mw2"))
	err := chain(context.Background(), newTestJob(), func(context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("got %v, want %v", order, want)
	}
}

func TestChain_EmptyCallsHandler(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("got err=%v called=%v", err, called)
	}
}

func TestChain_PropagatesError(t *testing.T) {
	want := errors.New("handler error")
	pass := func(ctx context.Context, _ *job.Job, next middleware.Handler) error { return next(ctx) }

	err := middleware.Chain(pass, pass)(context.Background(), newTestJob(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	j := newTestJob()
	err := middleware.Recover(slog.Default())(context.Background(), j, func(context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if !strings.Contains(err.Error(), "test panic") || !strings.Contains(err.Error(), j.ID.String()) {
		t.Errorf("got %q", err)
	}
}

func TestLogging_PassesResultThrough(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	want := errors.New("fail")

	if err := mw(context.Background(), newTestJob(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mw(context.Background(), newTestJob(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestTimeout_NoBudgetRunsInline(t *testing.T) {
	j := newTestJob()
	err := middleware.Timeout(slog.Default())(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeout_ReturnsWithoutWaiting(t *testing.T) {
	j := newTestJob()
	j.Timeout = 20 * time.Millisecond

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := middleware.Timeout(slog.Default())(context.Background(), j, func(context.Context) error {
		<-release // ignores its context on purpose
		return nil
	})
	if !errors.Is(err, courier.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("waited %v for a stuck handler", elapsed)
	}
}

func TestTimeout_FastHandlerResult(t *testing.T) {
	j := newTestJob()
	j.Timeout = time.Second
	want := errors.New("nope")

	err := middleware.Timeout(slog.Default())(context.Background(), j, func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestTimeout_ParentCancelIsNotTimeout(t *testing.T) {
	j := newTestJob()
	j.Timeout = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := middleware.Timeout(slog.Default())(ctx, j, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if errors.Is(err, courier.ErrTimeout) {
		t.Fatalf("got %v, want plain cancellation", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestTimeout_RecoversPanicInHandlerGoroutine(t *testing.T) {
	j := newTestJob()
	j.Timeout = time.Second
	err := middleware.Timeout(slog.Default())(context.Background(), j, func(context.Context) error {
		panic("kaboom")
	})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("got %v, want panic error", err)
	}
}
