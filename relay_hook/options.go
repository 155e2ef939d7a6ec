package relayhook

// Option configures an Extension.
type Option func(*Extension)

// PayloadFunc replaces the default payload for an event type. It receives
// the default payload and returns the value to publish.
type PayloadFunc func(defaultPayload any) (any, error)

// WithEvents restricts relaying to the listed event types.
func WithEvents(types ...string) Option {
	return func(h *Extension) {
		h.enabled = make(map[string]bool, len(types))
		for _, t := range types {
			h.enabled[t] = true
		}
	}
}

// WithPayload overrides the payload built for eventType.
func WithPayload(eventType string, fn PayloadFunc) Option {
	return func(h *Extension) {
		if h.payloads == nil {
			h.payloads = make(map[string]PayloadFunc)
		}
		h.payloads[eventType] = fn
	}
}

// WithChannel sets how a queue name maps to a bus channel.
func WithChannel(fn func(queue string) string) Option {
	return func(h *Extension) { h.channel = fn }
}
