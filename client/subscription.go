package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/courier/gateway"
	"github.com/xraph/courier/stream"
)

// Subscribe subscribes to a channel and returns its events. The channel
// is closed by Unsubscribe or Close.
//
// Channels are either bus channels such as "chat:42" and "post:7", or job
// topics:
//   - "job:<jobID>"   events for one job
//   - "queue:<name>"  events for every job of a queue
//   - "jobs"          every job lifecycle event
//   - "deadletters"   jobs moved to the dead-letter state
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *stream.Event, error) {
	c.subMu.Lock()
	ch, ok := c.subs[channel]
	if !ok {
		ch = make(chan *stream.Event, c.buffer)
		c.subs[channel] = ch
	}
	c.subMu.Unlock()

	if _, err := c.request(ctx, gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: channel}); err != nil {
		if !ok {
			c.dropSub(channel)
		}
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}
	return ch, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.request(ctx, gateway.MethodUnsubscribe, gateway.UnsubscribeRequest{Channel: channel})
	c.dropSub(channel)
	return err
}

func (c *Client) dropSub(channel string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subs[channel]; ok {
		close(ch)
		delete(c.subs, channel)
	}
}

// Publish publishes an event through the gateway's event bus.
func (c *Client) Publish(ctx context.Context, channel, eventType string, payload any) (*gateway.PublishResponse, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	resp, err := c.request(ctx, gateway.MethodPublish, gateway.PublishRequest{
		Channel: channel,
		Type:    eventType,
		Payload: raw,
	})
	if err != nil {
		return nil, err
	}
	var out gateway.PublishResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal publish response: %w", err)
	}
	return &out, nil
}

// Ping measures the round trip to the gateway.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.roundTrip(ctx, &gateway.Frame{
		ID:        gateway.GenerateFrameID(),
		Type:      gateway.FramePing,
		Timestamp: start.UTC(),
	})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// GrantCredits lets the gateway push n more events.
func (c *Client) GrantCredits(n int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.writeFrame(&gateway.Frame{
		ID:        gateway.GenerateFrameID(),
		Type:      gateway.FrameCredits,
		Credits:   n,
		Timestamp: time.Now().UTC(),
	})
}
