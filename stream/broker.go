package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/courier/event"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Broker)(nil)
	_ ext.JobEnqueued     = (*Broker)(nil)
	_ ext.JobStarted      = (*Broker)(nil)
	_ ext.JobCompleted    = (*Broker)(nil)
	_ ext.JobFailed       = (*Broker)(nil)
	_ ext.JobRetrying     = (*Broker)(nil)
	_ ext.JobDeadLettered = (*Broker)(nil)
	_ ext.JobsReclaimed   = (*Broker)(nil)
	_ ext.Shutdown        = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker fans events out to local subscribers by topic.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on the given topics. An existing
// subscriber with the same id is replaced and closed.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	if old, loaded := b.subscribers.Swap(subscriberID, sub); loaded {
		b.topics.UnsubscribeAll(subscriberID)
		old.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) bool {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return false
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return true
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// Deliver hands a bus event to the local subscribers of its channel. It
// never blocks: subscribers out of credits or buffer miss the event.
func (b *Broker) Deliver(e *event.Event) {
	b.publish([]string{e.Channel}, &Event{
		ID:        e.ID.String(),
		Type:      EventType(e.Type),
		Timestamp: e.PublishedAt,
		Topic:     e.Channel,
		Data:      event.JSONPayload(e.Payload),
	})
}

// DeliverFunc adapts Deliver to an event.Handler.
func (b *Broker) DeliverFunc() event.Handler {
	return func(_ context.Context, e *event.Event) { b.Deliver(e) }
}

func (b *Broker) publish(topics []string, evt *Event) {
	delivered, dropped := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
	if dropped > 0 {
		b.totalDropped.Add(int64(dropped))
		b.logger.Debug("stream event skipped for slow subscribers",
			slog.String("topic", evt.Topic),
			slog.Int("dropped", dropped),
		)
	}
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// publishJob sends a lifecycle event to jobs, queue:<name> and job:<id>,
// plus any extra topics.
func (b *Broker) publishJob(typ EventType, data JobEventData, extra ...string) {
	topic := JobTopic(data.JobID)
	topics := append([]string{TopicJobs, QueueTopic(data.Queue), topic}, extra...)
	b.publish(topics, &Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Data:      mustMarshal(data),
	})
}

func jobData(j *job.Job) JobEventData {
	return JobEventData{JobID: j.ID.String(), Queue: j.Queue, Attempts: j.Attempts}
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobEnqueued(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobEnqueued, jobData(j))
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobStarted, jobData(j))
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	d := jobData(j)
	d.ElapsedMs = elapsed.Milliseconds()
	b.publishJob(EventJobCompleted, d)
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	d := jobData(j)
	d.Error = jobErr.Error()
	b.publishJob(EventJobFailed, d)
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, _ int, nextRunAt time.Time) error {
	d := jobData(j)
	d.Error = j.LastError
	d.NextRunAt = nextRunAt.UTC().Format(time.RFC3339Nano)
	b.publishJob(EventJobRetrying, d)
	return nil
}

func (b *Broker) OnJobDeadLettered(_ context.Context, j *job.Job, jobErr error) error {
	d := jobData(j)
	d.Error = jobErr.Error()
	b.publishJob(EventJobDeadLettered, d, TopicDeadLetters)
	return nil
}

func (b *Broker) OnJobsReclaimed(_ context.Context, queue string, count int) error {
	topic := QueueTopic(queue)
	b.publish([]string{TopicJobs, topic}, &Event{
		Type:      EventJobsReclaimed,
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Data:      mustMarshal(ReclaimEventData{Queue: queue, Count: count}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		b.topics.UnsubscribeAll(key.(string)) //nolint:errcheck // sync.Map keys are strings
		value.(*Subscriber).Close()           //nolint:errcheck // sync.Map always stores *Subscriber
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
