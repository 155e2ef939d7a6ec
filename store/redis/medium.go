package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier/event"
)

var _ event.Medium = (*Medium)(nil)

// MediumOption configures a Medium.
type MediumOption func(*Medium)

// WithMediumLogger sets the logger used for listener diagnostics.
func WithMediumLogger(l *slog.Logger) MediumOption {
	return func(m *Medium) { m.logger = l }
}

// Medium is an event.Medium over Redis Pub/Sub. Every bus channel maps to
// a Redis channel under the courier:bus: prefix; wildcard patterns use
// PSUBSCRIBE.
type Medium struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// NewMedium creates a Pub/Sub medium. The caller owns the client lifecycle.
func NewMedium(client goredis.UniversalClient, opts ...MediumOption) *Medium {
	m := &Medium{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Publish sends data on the prefixed channel.
func (m *Medium) Publish(ctx context.Context, channel string, data []byte) error {
	if err := m.client.Publish(ctx, busPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("courier/redis: publish: %w", err)
	}
	return nil
}

// Listen opens a dedicated Pub/Sub connection. Messages are delivered from
// one goroutine in arrival order until the listener is closed or ctx ends.
func (m *Medium) Listen(ctx context.Context, deliver func(channel string, data []byte)) (event.Listener, error) {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("courier/redis: listen: %w", err)
	}

	l := &listener{
		medium: m,
		ps:     m.client.Subscribe(ctx),
		done:   make(chan struct{}),
	}
	go l.run(ctx, deliver)
	return l, nil
}

type listener struct {
	medium *Medium
	ps     *goredis.PubSub

	mu sync.Mutex

	done chan struct{}
	once sync.Once
}

func (l *listener) run(ctx context.Context, deliver func(string, []byte)) {
	msgs := l.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = l.Close() //nolint:errcheck // logged in Close
			return
		case <-l.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			channel, found := strings.CutPrefix(msg.Channel, busPrefix)
			if !found {
				continue
			}
			deliver(channel, []byte(msg.Payload))
		}
	}
}

// Subscribe adds patterns. Wildcards map onto Redis glob patterns, which
// is safe because channel names exclude glob metacharacters.
func (l *listener) Subscribe(ctx context.Context, patterns ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exact, globs := split(patterns)
	if len(exact) > 0 {
		if err := l.ps.Subscribe(ctx, exact...); err != nil {
			return fmt.Errorf("courier/redis: subscribe: %w", err)
		}
	}
	if len(globs) > 0 {
		if err := l.ps.PSubscribe(ctx, globs...); err != nil {
			return fmt.Errorf("courier/redis: psubscribe: %w", err)
		}
	}
	// Subscribe only writes the command; a ping round trip surfaces a dead
	// connection to the caller.
	if err := l.ps.Ping(ctx); err != nil {
		return fmt.Errorf("courier/redis: subscribe: %w", err)
	}
	return nil
}

func (l *listener) Unsubscribe(ctx context.Context, patterns ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exact, globs := split(patterns)
	if len(exact) > 0 {
		if err := l.ps.Unsubscribe(ctx, exact...); err != nil {
			return fmt.Errorf("courier/redis: unsubscribe: %w", err)
		}
	}
	if len(globs) > 0 {
		if err := l.ps.PUnsubscribe(ctx, globs...); err != nil {
			return fmt.Errorf("courier/redis: punsubscribe: %w", err)
		}
	}
	return nil
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if err = l.ps.Close(); err != nil {
			l.medium.logger.Warn("pubsub close failed", slog.String("error", err.Error()))
		}
	})
	return err
}

// split prefixes patterns and separates exact channels from globs.
func split(patterns []string) (exact, globs []string) {
	for _, p := range patterns {
		if event.IsWildcard(p) {
			globs = append(globs, busPrefix+p)
		} else {
			exact = append(exact, busPrefix+p)
		}
	}
	return exact, globs
}
