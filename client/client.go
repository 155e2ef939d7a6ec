// Package client connects to a remote courier gateway over WebSocket.
//
// Usage:
//
//	c, err := client.Dial("ws://localhost:8080/ws",
//	    client.WithFormat("msgpack"),
//	    client.WithReconnect(5, time.Second),
//	)
//	defer c.Close()
//
//	ch, err := c.Subscribe(ctx, "chat:42")
//	for evt := range ch {
//	    fmt.Printf("%s: %s\n", evt.Type, evt.Data)
//	}
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/courier/gateway"
	"github.com/xraph/courier/stream"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("courier/client: closed")

// RemoteError is an error frame returned by the gateway.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("courier/client: gateway error %d: %s", e.Code, e.Message)
}

// Client is a gateway session.
type Client struct {
	url     string
	format  string
	credits int
	buffer  int
	logger  *slog.Logger

	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// wmu guards conn, codec and writes.
	wmu       sync.Mutex
	conn      net.Conn
	codec     gateway.Codec
	sessionID string

	closed atomic.Bool

	pending sync.Map // frameID → chan *gateway.Frame

	// subMu orders event sends against channel close.
	subMu sync.Mutex
	subs  map[string]chan *stream.Event
}

// Dial connects to a gateway.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a gateway with a context bounding the handshake.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		format:     gateway.CodecNameJSON,
		buffer:     64,
		logger:     slog.Default(),
		maxRetries: 5,
		baseDelay:  time.Second,
		subs:       make(map[string]chan *stream.Event),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("courier/client: dial: %w", err)
	}
	go c.readLoop(c.currentConn())
	return c, nil
}

// connect dials and runs the hello exchange. The read loop is not running
// yet, so the reply is read inline.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	hello, err := gateway.NewRequestFrame(gateway.MethodHello, gateway.HelloRequest{
		Format:  c.format,
		Credits: c.credits,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal hello: %w", err)
	}
	data, err := json.Marshal(hello)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write hello: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	raw, err := wsutil.ReadServerText(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read hello response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var resp gateway.Frame
	if err := json.Unmarshal(raw, &resp); err != nil {
		_ = conn.Close()
		return fmt.Errorf("unmarshal hello response: %w", err)
	}
	if resp.Type == gateway.FrameErr {
		_ = conn.Close()
		return remoteError(&resp)
	}
	var hr gateway.HelloResponse
	if err := json.Unmarshal(resp.Data, &hr); err != nil {
		_ = conn.Close()
		return fmt.Errorf("unmarshal hello response: %w", err)
	}

	c.wmu.Lock()
	c.conn = conn
	c.codec = gateway.GetCodec(hr.Format)
	c.sessionID = hr.SessionID
	c.wmu.Unlock()

	c.logger.Info("courier client connected",
		slog.String("session_id", hr.SessionID),
		slog.String("format", hr.Format),
	)
	return nil
}

func (c *Client) currentConn() net.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn
}

// readLoop reads frames from conn until it fails.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("courier client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		frame, err := gateway.CodecFor(op).Decode(data)
		if err != nil {
			c.logger.Warn("courier client: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case gateway.FrameResponse, gateway.FrameErr, gateway.FramePong:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *gateway.Frame) //nolint:errcheck // pending map always stores chan *gateway.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case gateway.FrameEvent:
			var evt stream.Event
			if err := json.Unmarshal(frame.Data, &evt); err != nil {
				continue
			}
			c.deliver(frame.Channel, &evt)
		}
	}
}

// deliver hands evt to the channel's subscriber, dropping it when the
// subscriber is slow.
func (c *Client) deliver(channel string, evt *stream.Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch, ok := c.subs[channel]
	if !ok {
		return
	}
	select {
	case ch <- evt:
	default:
	}
}

// tryReconnect redials with exponential backoff and restores the
// subscriptions.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("courier client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("courier client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		go c.readLoop(c.currentConn())
		c.resubscribe()
		c.logger.Info("courier client reconnected")
		return
	}
	c.logger.Error("courier client: max reconnection attempts reached")
}

func (c *Client) resubscribe() {
	c.subMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.subMu.Unlock()

	for _, channel := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := c.request(ctx, gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: channel})
		cancel()
		if err != nil {
			c.logger.Warn("courier client resubscribe failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}
}

// request sends a request frame and waits for the correlated reply.
func (c *Client) request(ctx context.Context, method string, data any) (*gateway.Frame, error) {
	frame, err := gateway.NewRequestFrame(method, data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}
	return c.roundTrip(ctx, frame)
}

func (c *Client) roundTrip(ctx context.Context, frame *gateway.Frame) (*gateway.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	respCh := make(chan *gateway.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == gateway.FrameErr {
			return nil, remoteError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame encodes frame with the negotiated codec and sends it.
func (c *Client) writeFrame(frame *gateway.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return wsutil.WriteClientMessage(c.conn, c.codec.OpCode(), data)
}

func remoteError(frame *gateway.Frame) error {
	if frame.Error == nil {
		return &RemoteError{Code: gateway.ErrCodeInternal, Message: "unknown error"}
	}
	return &RemoteError{Code: frame.Error.Code, Message: frame.Error.Message}
}

// SessionID returns the session id assigned by the gateway.
func (c *Client) SessionID() string {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sessionID
}

// Close closes the connection and every subscription channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.subMu.Lock()
	for channel, ch := range c.subs {
		close(ch)
		delete(c.subs, channel)
	}
	c.subMu.Unlock()

	if conn := c.currentConn(); conn != nil {
		return conn.Close()
	}
	return nil
}
