package job

import "context"

// Definition binds a typed handler to a queue. T is the payload type and
// must be JSON-serializable.
type Definition[T any] struct {
	// Queue is the queue whose jobs this handler consumes.
	Queue string

	// Handler processes one decoded payload.
	Handler func(ctx context.Context, payload T) error
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](queue string, handler func(ctx context.Context, payload T) error) *Definition[T] {
	return &Definition[T]{Queue: queue, Handler: handler}
}
