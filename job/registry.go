package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is a type-erased job handler over the raw payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registry maps queue names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds h to queue, replacing any previous handler.
func (r *Registry) Register(queue string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = h
}

// RegisterDefinition registers a typed definition. The payload is
// JSON-decoded into T before the typed handler runs; a decode failure is
// permanent since retrying cannot fix it.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	r.Register(def.Queue, func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return Permanent(fmt.Errorf("decode payload for queue %q: %w", def.Queue, err))
			}
		}
		return def.Handler(ctx, t)
	})
}

// Get returns the handler for queue.
func (r *Registry) Get(queue string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Queues returns the registered queue names, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
