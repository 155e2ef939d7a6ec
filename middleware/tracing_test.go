package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	mw "github.com/xraph/courier/middleware"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func TestTracing_SpanNameAndAttributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	j := newTestJob()

	if err := mw.TracingWithTracer(tracer)(context.Background(), j, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "courier.job.execute" {
		t.Errorf("got span %q, want %q", spans[0].Name(), "courier.job.execute")
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("got status %v, want Ok", spans[0].Status().Code)
	}

	want := map[string]any{
		"courier.job.id":       j.ID.String(),
		"courier.queue":        "email",
		"courier.attempt":      int64(3),
		"courier.max_attempts": int64(5),
	}
	got := make(map[string]any)
	for _, a := range spans[0].Attributes() {
		switch a.Value.Type() {
		case attribute.STRING:
			got[string(a.Key)] = a.Value.AsString()
		case attribute.INT64:
			got[string(a.Key)] = a.Value.AsInt64()
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attribute %q = %v, want %v", k, got[k], v)
		}
	}
}

func TestTracing_ErrorRecorded(t *testing.T) {
	sr, tracer := setupTestTracer()
	handlerErr := errors.New("handler failed")

	err := mw.TracingWithTracer(tracer)(context.Background(), newTestJob(), func(context.Context) error {
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("got %v, want %v", err, handlerErr)
	}

	span := sr.Ended()[0]
	if span.Status().Code != codes.Error || span.Status().Description != "handler failed" {
		t.Errorf("got status %+v", span.Status())
	}
	found := false
	for _, ev := range span.Events() {
		if ev.Name == "exception" {
			found = true
		}
	}
	if !found {
		t.Error("expected an exception event")
	}
}

func TestTracing_PropagatesContext(t *testing.T) {
	sr, tracer := setupTestTracer()

	var inner trace.SpanContext
	_ = mw.TracingWithTracer(tracer)(context.Background(), newTestJob(), func(ctx context.Context) error {
		inner = trace.SpanFromContext(ctx).SpanContext()
		return nil
	})

	if !inner.IsValid() {
		t.Fatal("handler saw no span")
	}
	if inner.TraceID() != sr.Ended()[0].SpanContext().TraceID() {
		t.Error("handler span does not belong to the middleware trace")
	}
}

func TestTracing_DefaultNoopSafe(t *testing.T) {
	called := false
	err := mw.Tracing()(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("got err=%v called=%v", err, called)
	}
}
