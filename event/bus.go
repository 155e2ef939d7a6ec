// Package event is the cross-instance event bus.
//
// Publish stamps every event with the local origin id and the next
// per-origin sequence number, broadcasts it through a Medium, and then
// dispatches it to local subscribers directly. Events coming back from the
// medium are dropped when they originate locally or when their sequence is
// not newer than the last one seen from that origin, so every subscriber
// sees each event once and per-origin order is kept.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// Handler receives dispatched events. It runs synchronously on the publish
// or receive path and must not block.
type Handler func(ctx context.Context, e *Event)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Pattern returns the subscribed pattern.
func (s *Subscription) Pattern() string { return s.pattern }

// Stats is a snapshot of bus counters.
type Stats struct {
	Published    uint64 `json:"published"`
	Received     uint64 `json:"received"`
	DroppedSelf  uint64 `json:"dropped_self"`
	DroppedStale uint64 `json:"dropped_stale"`
	DecodeErrors uint64 `json:"decode_errors"`
	Dispatched   uint64 `json:"dispatched"`
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithOriginTTL sets how long the sequence of a silent origin is
// remembered. Origins that publish nothing for longer are forgotten, which
// bounds the table when instances restart under fresh ids.
func WithOriginTTL(d time.Duration) BusOption {
	return func(b *Bus) { b.originTTL = d }
}

// DefaultOriginTTL is the origin retention used without WithOriginTTL.
const DefaultOriginTTL = time.Hour

// WithOrigin sets the origin id stamped on published events. It defaults to
// a fresh instance id; pass the cluster instance id to correlate the two.
func WithOrigin(origin string) BusOption {
	return func(b *Bus) { b.origin = origin }
}

// Bus publishes and subscribes to events across instances.
type Bus struct {
	medium Medium
	origin string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pubMu sync.Mutex
	seq   uint64

	mu       sync.RWMutex
	closed   bool
	listener Listener
	nextSub  uint64
	subs     map[string]map[uint64]*Subscription

	seenMu    sync.Mutex
	lastSeen  map[string]seenOrigin
	originTTL time.Duration
	lastPrune time.Time

	published, received, droppedSelf, droppedStale, decodeErrors, dispatched atomic.Uint64
}

// seenOrigin is the newest sequence received from one origin.
type seenOrigin struct {
	seq uint64
	at  time.Time
}

// NewBus creates a bus over medium.
func NewBus(medium Medium, opts ...BusOption) *Bus {
	b := &Bus{
		medium:    medium,
		logger:    slog.Default(),
		subs:      make(map[string]map[uint64]*Subscription),
		lastSeen:  make(map[string]seenOrigin),
		originTTL: DefaultOriginTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.origin == "" {
		b.origin = id.NewInstanceID().String()
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Origin returns the id stamped on locally published events.
func (b *Bus) Origin() string { return b.origin }

// Publish broadcasts an event and dispatches it to local subscribers. When
// the medium fails the error wraps courier.ErrTransportUnavailable, nothing
// is buffered, and local subscribers are not called.
func (b *Bus) Publish(ctx context.Context, channel, eventType string, payload []byte) (*Event, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", courier.ErrValidation)
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, courier.ErrBusClosed
	}

	e := &Event{
		ID:          id.NewEventID(),
		Channel:     channel,
		Type:        eventType,
		Payload:     payload,
		Origin:      b.origin,
		PublishedAt: time.Now().UTC(),
	}

	b.pubMu.Lock()
	// A failed publish still consumes its sequence number: the medium may
	// have delivered it to someone before reporting the error.
	b.seq++
	e.Seq = b.seq
	data, err := Encode(e)
	if err == nil {
		err = b.medium.Publish(ctx, channel, data)
		if err != nil {
			err = fmt.Errorf("%w: %w", courier.ErrTransportUnavailable, err)
		}
	}
	b.pubMu.Unlock()

	if err != nil {
		b.logger.Warn("event publish failed",
			slog.String("channel", channel),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	b.published.Add(1)
	b.dispatch(ctx, e)
	return e, nil
}

// PublishJSON marshals v and publishes it.
func (b *Bus) PublishJSON(ctx context.Context, channel, eventType string, v any) (*Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", courier.ErrValidation, err)
	}
	return b.Publish(ctx, channel, eventType, payload)
}

// Subscribe registers handler for pattern. The first subscription on a
// pattern subscribes the medium listener.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", courier.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, courier.ErrBusClosed
	}

	if b.listener == nil {
		l, err := b.medium.Listen(b.ctx, b.receive)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", courier.ErrTransportUnavailable, err)
		}
		b.listener = l
	}

	set, ok := b.subs[pattern]
	if !ok {
		if err := b.listener.Subscribe(ctx, pattern); err != nil {
			return nil, fmt.Errorf("%w: %w", courier.ErrTransportUnavailable, err)
		}
		set = make(map[uint64]*Subscription)
		b.subs[pattern] = set
	}

	b.nextSub++
	sub := &Subscription{id: b.nextSub, pattern: pattern, handler: handler}
	set[sub.id] = sub

	b.logger.Debug("event subscription added", slog.String("pattern", pattern))
	return sub, nil
}

// Unsubscribe removes sub. The last subscription on a pattern unsubscribes
// the medium listener.
func (b *Bus) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.pattern]
	if !ok {
		return nil
	}
	delete(set, sub.id)
	if len(set) > 0 {
		return nil
	}
	delete(b.subs, sub.pattern)
	if b.listener == nil || b.closed {
		return nil
	}
	return b.listener.Unsubscribe(ctx, sub.pattern)
}

// Close stops receiving. Publish and Subscribe return
// courier.ErrBusClosed afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	l := b.listener
	b.listener = nil
	b.mu.Unlock()

	b.cancel()
	if l != nil {
		return l.Close()
	}
	return nil
}

// Forget drops the sequence tracked for origin. Call it once the origin
// is known to be gone, such as when its instance is reaped.
func (b *Bus) Forget(origin string) {
	b.seenMu.Lock()
	delete(b.lastSeen, origin)
	b.seenMu.Unlock()
}

// TrackedOrigins returns how many remote origins the bus holds a
// sequence for.
func (b *Bus) TrackedOrigins() int {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	return len(b.lastSeen)
}

// pruneLocked forgets origins idle past the TTL. It scans at most twice
// per TTL. seenMu must be held.
func (b *Bus) pruneLocked(now time.Time) {
	if b.originTTL <= 0 || now.Sub(b.lastPrune) < b.originTTL/2 {
		return
	}
	b.lastPrune = now
	for origin, s := range b.lastSeen {
		if now.Sub(s.at) > b.originTTL {
			delete(b.lastSeen, origin)
		}
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Received:     b.received.Load(),
		DroppedSelf:  b.droppedSelf.Load(),
		DroppedStale: b.droppedStale.Load(),
		DecodeErrors: b.decodeErrors.Load(),
		Dispatched:   b.dispatched.Load(),
	}
}

// receive handles one message from the medium listener.
func (b *Bus) receive(channel string, data []byte) {
	b.received.Add(1)

	e, err := Decode(data)
	if err != nil {
		b.decodeErrors.Add(1)
		b.logger.Warn("dropping undecodable event",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	if e.Origin == b.origin {
		b.droppedSelf.Add(1)
		return
	}

	now := time.Now()
	b.seenMu.Lock()
	b.pruneLocked(now)
	prev, seen := b.lastSeen[e.Origin]
	last := prev.seq
	stale := seen && e.Seq <= last
	if !stale {
		b.lastSeen[e.Origin] = seenOrigin{seq: e.Seq, at: now}
	}
	b.seenMu.Unlock()

	if stale {
		b.droppedStale.Add(1)
		b.logger.Debug("dropping stale event",
			slog.String("origin", e.Origin),
			slog.Uint64("seq", e.Seq),
			slog.Uint64("last_seen", last),
		)
		return
	}

	b.dispatch(b.ctx, e)
}

// dispatch calls every local subscription matching e.Channel.
func (b *Bus) dispatch(ctx context.Context, e *Event) {
	b.mu.RLock()
	var targets []*Subscription
	for pattern, set := range b.subs {
		if !Match(pattern, e.Channel) {
			continue
		}
		for _, s := range set {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.call(ctx, s, e)
	}
}

func (b *Bus) call(ctx context.Context, s *Subscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("pattern", s.pattern),
				slog.String("channel", e.Channel),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.handler(ctx, e)
	b.dispatched.Add(1)
}
