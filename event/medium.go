package event

import "context"

// Medium is the broadcast channel shared by all instances.
type Medium interface {
	// Publish broadcasts data on channel. It must fail fast when the medium
	// is unreachable.
	Publish(ctx context.Context, channel string, data []byte) error

	// Listen opens a listener. deliver is called with the concrete channel
	// and payload of every message matching the listener's patterns, from
	// a single goroutine, in the order the medium received them.
	Listen(ctx context.Context, deliver func(channel string, data []byte)) (Listener, error)
}

// Listener is one subscription connection to a Medium.
type Listener interface {
	// Subscribe adds patterns (see ValidatePattern).
	Subscribe(ctx context.Context, patterns ...string) error
	// Unsubscribe removes patterns.
	Unsubscribe(ctx context.Context, patterns ...string) error
	// Close stops delivery.
	Close() error
}
