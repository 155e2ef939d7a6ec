// Package gateway is the WebSocket edge of a courier instance. Connected
// clients subscribe to channels and receive the events the local stream
// broker hands them; they can also publish through the event bus.
//
// A session starts with a hello frame, always JSON, that picks the codec
// (JSON or MessagePack) for every later frame. Events are pushed with
// credit-based flow control: the client grants credits and the server
// skips events for a connection that has none left.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameCredits  FrameType = "credits"
)

// Frame is the gateway message envelope.
type Frame struct {
	ID   string    `json:"id" msgpack:"id"`
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation of a request frame.
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response, error or pong to its request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	Data  json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel is the topic of an event frame.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits is the grant carried by a credits frame.
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error frame. Codes follow HTTP status codes.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Methods ─────────────────────────────────────────

const (
	MethodHello       = "hello"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodPublish     = "publish"
)

// ── Error codes ─────────────────────────────────────

const (
	ErrCodeBadRequest         = 400
	ErrCodeMethodNotFound     = 405
	ErrCodeInternal           = 500
	ErrCodeServiceUnavailable = 503
)

// ── Payloads ────────────────────────────────────────

// HelloRequest opens a session.
type HelloRequest struct {
	// Format is "json" (default) or "msgpack".
	Format string `json:"format,omitempty"`
	// Credits is the initial credit grant. Zero keeps the server default.
	Credits int `json:"credits,omitempty"`
}

// HelloResponse confirms the session.
type HelloResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
	Credits   int64  `json:"credits"`
}

// SubscribeRequest subscribes the connection to a channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// PublishRequest publishes an event through the bus.
type PublishRequest struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublishResponse identifies the published event.
type PublishResponse struct {
	EventID string `json:"event_id"`
	Origin  string `json:"origin"`
	Seq     uint64 `json:"seq"`
}

// NewRequestFrame creates a request frame.
func NewRequestFrame(method string, data any) (*Frame, error) {
	f := &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameErr,
		CorrelID:  correlID,
		Error:     &ErrorDetail{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID.
func GenerateFrameID() string { return uuid.NewString() }
