package client

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithFormat sets the wire format negotiated in hello.
// Supported values: "json" (default), "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithCredits sets the initial credit grant. Zero keeps the gateway default.
func WithCredits(n int) Option {
	return func(c *Client) { c.credits = n }
}

// WithBufferSize sets the per-subscription event buffer.
func WithBufferSize(n int) Option {
	return func(c *Client) { c.buffer = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection with the given parameters.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}
