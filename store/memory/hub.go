package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/xraph/courier/event"
)

var _ event.Medium = (*Hub)(nil)

// ErrHubDown is returned by a Hub forced down with SetDown.
var ErrHubDown = errors.New("memory: hub is down")

// Hub is an in-process broadcast medium shared by several buses, one per
// simulated instance.
type Hub struct {
	mu        sync.RWMutex
	down      bool
	listeners map[*hubListener]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[*hubListener]struct{})}
}

// SetDown makes every Publish, Listen and Subscribe fail until reset.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

// Publish hands data to every listener subscribed to a matching pattern.
func (h *Hub) Publish(ctx context.Context, channel string, data []byte) error {
	h.mu.RLock()
	if h.down {
		h.mu.RUnlock()
		return ErrHubDown
	}
	targets := make([]*hubListener, 0, len(h.listeners))
	for l := range h.listeners {
		if l.matches(channel) {
			targets = append(targets, l)
		}
	}
	h.mu.RUnlock()

	msg := hubMessage{channel: channel, data: append([]byte(nil), data...)}
	for _, l := range targets {
		select {
		case l.inbox <- msg:
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Listen opens a listener that delivers from its own goroutine.
func (h *Hub) Listen(ctx context.Context, deliver func(channel string, data []byte)) (event.Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, ErrHubDown
	}

	l := &hubListener{
		hub:      h,
		patterns: make(map[string]struct{}),
		inbox:    make(chan hubMessage, 256),
		done:     make(chan struct{}),
	}
	h.listeners[l] = struct{}{}

	go l.run(ctx, deliver)
	return l, nil
}

type hubMessage struct {
	channel string
	data    []byte
}

type hubListener struct {
	hub *Hub

	mu       sync.RWMutex
	patterns map[string]struct{}

	inbox chan hubMessage
	done  chan struct{}
	once  sync.Once
}

func (l *hubListener) run(ctx context.Context, deliver func(string, []byte)) {
	for {
		select {
		case <-ctx.Done():
			_ = l.Close() //nolint:errcheck // always nil
			return
		case <-l.done:
			return
		case msg := <-l.inbox:
			deliver(msg.channel, msg.data)
		}
	}
}

func (l *hubListener) matches(channel string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for p := range l.patterns {
		if event.Match(p, channel) {
			return true
		}
	}
	return false
}

func (l *hubListener) Subscribe(_ context.Context, patterns ...string) error {
	l.hub.mu.RLock()
	down := l.hub.down
	l.hub.mu.RUnlock()
	if down {
		return ErrHubDown
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range patterns {
		l.patterns[p] = struct{}{}
	}
	return nil
}

func (l *hubListener) Unsubscribe(_ context.Context, patterns ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range patterns {
		delete(l.patterns, p)
	}
	return nil
}

func (l *hubListener) Close() error {
	l.once.Do(func() {
		l.hub.mu.Lock()
		delete(l.hub.listeners, l)
		l.hub.mu.Unlock()
		close(l.done)
	})
	return nil
}
