package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// Event is a real-time notification fanned out to every instance. The
// payload is opaque bytes; the bus never inspects it.
type Event struct {
	ID          id.EventID `json:"id"`
	Channel     string     `json:"channel"`
	Type        string     `json:"type"`
	Payload     []byte     `json:"payload,omitempty"`
	Origin      string     `json:"origin"`
	Seq         uint64     `json:"seq"`
	PublishedAt time.Time  `json:"published_at"`
}

// MarshalJSON renders the payload inline when it is JSON and as a base64
// string otherwise.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		Payload json.RawMessage `json:"payload,omitempty"`
	}{plain(e), JSONPayload(e.Payload)})
}

// JSONPayload returns p unchanged when it holds a JSON document and as a
// quoted base64 string otherwise. An empty payload returns nil.
func JSONPayload(p []byte) json.RawMessage {
	if len(p) == 0 {
		return nil
	}
	if json.Valid(p) {
		return p
	}
	enc, _ := json.Marshal(p) //nolint:errcheck // []byte always marshals
	return enc
}

// envelope is the wire form of an Event.
type envelope struct {
	ID          string    `msgpack:"id"`
	Channel     string    `msgpack:"ch"`
	Type        string    `msgpack:"t"`
	Payload     []byte    `msgpack:"p"`
	Origin      string    `msgpack:"o"`
	Seq         uint64    `msgpack:"s"`
	PublishedAt time.Time `msgpack:"at"`
}

// Encode serializes e for the broadcast medium.
func Encode(e *Event) ([]byte, error) {
	return msgpack.Marshal(&envelope{
		ID:          e.ID.String(),
		Channel:     e.Channel,
		Type:        e.Type,
		Payload:     e.Payload,
		Origin:      e.Origin,
		Seq:         e.Seq,
		PublishedAt: e.PublishedAt,
	})
}

// Decode parses an event produced by Encode.
func Decode(data []byte) (*Event, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	e := &Event{
		Channel:     env.Channel,
		Type:        env.Type,
		Payload:     env.Payload,
		Origin:      env.Origin,
		Seq:         env.Seq,
		PublishedAt: env.PublishedAt.UTC(),
	}
	if env.ID != "" {
		parsed, err := id.ParseEventID(env.ID)
		if err != nil {
			return nil, fmt.Errorf("event: decode: %w", err)
		}
		e.ID = parsed
	}
	if e.Origin == "" {
		return nil, errors.New("event: decode: missing origin")
	}
	return e, nil
}

// ──────────────────────────────────────────────────
// Channels and patterns
// ──────────────────────────────────────────────────

const maxChannelLen = 256

// ValidateChannel checks a concrete channel name such as "chat:42".
func ValidateChannel(channel string) error {
	if channel == "" || len(channel) > maxChannelLen {
		return fmt.Errorf("%w: channel must be 1-%d bytes", courier.ErrValidation, maxChannelLen)
	}
	if i := strings.IndexAny(channel, "*?[]\\ \t\r\n"); i >= 0 {
		return fmt.Errorf("%w: channel %q contains %q", courier.ErrValidation, channel, channel[i])
	}
	return nil
}

// ValidatePattern checks a subscription pattern: a concrete channel, or a
// prefix followed by a single trailing "*".
func ValidatePattern(pattern string) error {
	if pattern == "*" {
		return nil
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return ValidateChannel(prefix)
	}
	return ValidateChannel(pattern)
}

// IsWildcard reports whether pattern ends in "*".
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, "*")
}

// Match reports whether channel matches pattern.
func Match(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}
