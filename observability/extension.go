package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/courier/event"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/stream"
)

const instrumentationName = "github.com/xraph/courier/observability"

// Compile-time interface checks.
var (
	_ ext.Extension       = (*MetricsExtension)(nil)
	_ ext.JobEnqueued     = (*MetricsExtension)(nil)
	_ ext.JobCompleted    = (*MetricsExtension)(nil)
	_ ext.JobFailed       = (*MetricsExtension)(nil)
	_ ext.JobRetrying     = (*MetricsExtension)(nil)
	_ ext.JobDeadLettered = (*MetricsExtension)(nil)
	_ ext.JobsReclaimed   = (*MetricsExtension)(nil)
)

// MetricsExtension counts job lifecycle transitions. Every counter carries
// a queue attribute.
type MetricsExtension struct {
	JobEnqueued     metric.Int64Counter
	JobCompleted    metric.Int64Counter
	JobFailed       metric.Int64Counter
	JobRetried      metric.Int64Counter
	JobDeadLettered metric.Int64Counter
	JobsReclaimed   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(instrumentationName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// The OTel API hands back a noop instrument on error.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	return &MetricsExtension{
		JobEnqueued:     counter("courier.job.enqueued", "Jobs persisted"),
		JobCompleted:    counter("courier.job.completed", "Jobs completed"),
		JobFailed:       counter("courier.job.failed", "Jobs failed permanently"),
		JobRetried:      counter("courier.job.retried", "Failed attempts rescheduled"),
		JobDeadLettered: counter("courier.job.dead_lettered", "Jobs that exhausted their attempts"),
		JobsReclaimed:   counter("courier.job.reclaimed", "Expired leases returned to waiting"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func queueAttr(q string) metric.AddOption {
	return metric.WithAttributes(attribute.String("queue", q))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.JobEnqueued.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.JobCompleted.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.JobRetried.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (m *MetricsExtension) OnJobDeadLettered(ctx context.Context, j *job.Job, _ error) error {
	m.JobDeadLettered.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobsReclaimed implements ext.JobsReclaimed.
func (m *MetricsExtension) OnJobsReclaimed(ctx context.Context, queue string, count int) error {
	m.JobsReclaimed.Add(ctx, int64(count), queueAttr(queue))
	return nil
}

// ── Bus and broker ──────────────────────────────────

// RegisterStats exposes bus and broker counters on meter. Either source may
// be nil. The returned registration stops the callback.
func RegisterStats(meter metric.Meter, bus *event.Bus, broker *stream.Broker) (metric.Registration, error) {
	published, err := meter.Int64ObservableCounter("courier.bus.published",
		metric.WithDescription("Events published by this instance"))
	if err != nil {
		return nil, err
	}
	received, err := meter.Int64ObservableCounter("courier.bus.received",
		metric.WithDescription("Events received from the medium"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableCounter("courier.bus.dropped",
		metric.WithDescription("Received events dropped before dispatch"))
	if err != nil {
		return nil, err
	}
	subscribers, err := meter.Int64ObservableGauge("courier.stream.subscribers",
		metric.WithDescription("Connected stream subscribers"))
	if err != nil {
		return nil, err
	}
	skipped, err := meter.Int64ObservableCounter("courier.stream.dropped",
		metric.WithDescription("Events skipped for subscribers without credit or buffer"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if bus != nil {
			s := bus.Stats()
			o.ObserveInt64(published, int64(s.Published))
			o.ObserveInt64(received, int64(s.Received))
			o.ObserveInt64(dropped, int64(s.DroppedSelf), metric.WithAttributes(attribute.String("reason", "self")))
			o.ObserveInt64(dropped, int64(s.DroppedStale), metric.WithAttributes(attribute.String("reason", "stale")))
			o.ObserveInt64(dropped, int64(s.DecodeErrors), metric.WithAttributes(attribute.String("reason", "decode")))
		}
		if broker != nil {
			s := broker.Stats()
			o.ObserveInt64(subscribers, int64(s.SubscriberCount))
			o.ObserveInt64(skipped, s.TotalDropped)
		}
		return nil
	}, published, received, dropped, subscribers, skipped)
}
