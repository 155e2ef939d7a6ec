package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/courier/event"
	"github.com/xraph/courier/gateway"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	hub    *memory.Hub
	bus    *event.Bus
	broker *stream.Broker
	srv    *gateway.Server
	url    string
}

func setup(t *testing.T) *harness {
	t.Helper()
	hub := memory.NewHub()
	bus := event.NewBus(hub, event.WithLogger(testLogger()))
	broker := stream.NewBroker(testLogger())
	if _, err := bus.Subscribe(context.Background(), "chat:*", broker.DeliverFunc()); err != nil {
		t.Fatalf("bus.Subscribe: %v", err)
	}
	srv := gateway.NewServer(broker, bus, gateway.WithLogger(testLogger()))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
		_ = bus.Close()
	})
	return &harness{
		hub:    hub,
		bus:    bus,
		broker: broker,
		srv:    srv,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

type client struct {
	t     *testing.T
	conn  net.Conn
	codec gateway.Codec
}

// dial connects and completes the hello exchange.
func (h *harness) dial(t *testing.T, hello gateway.HelloRequest) (*client, gateway.HelloResponse) {
	t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), h.url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	frame, err := gateway.NewRequestFrame(gateway.MethodHello, hello)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(frame)
	if err := wsutil.WriteClientText(conn, data); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	c := &client{t: t, conn: conn, codec: gateway.JSONCodec{}}
	resp := c.read()
	if resp.Type != gateway.FrameResponse {
		t.Fatalf("hello reply type = %q, want response (error %+v)", resp.Type, resp.Error)
	}
	var hr gateway.HelloResponse
	if err := json.Unmarshal(resp.Data, &hr); err != nil {
		t.Fatalf("unmarshal hello response: %v", err)
	}
	c.codec = gateway.GetCodec(hr.Format)
	return c, hr
}

func (c *client) write(frame *gateway.Frame) {
	c.t.Helper()
	data, err := c.codec.Encode(frame)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := wsutil.WriteClientMessage(c.conn, c.codec.OpCode(), data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) read() *gateway.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	frame, err := gateway.CodecFor(op).Decode(data)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return frame
}

func (c *client) request(method string, data any) *gateway.Frame {
	c.t.Helper()
	frame, err := gateway.NewRequestFrame(method, data)
	if err != nil {
		c.t.Fatal(err)
	}
	c.write(frame)
	resp := c.read()
	if resp.CorrelID != frame.ID {
		c.t.Fatalf("CorrelID = %q, want %q", resp.CorrelID, frame.ID)
	}
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHelloNegotiatesCodec(t *testing.T) {
	h := setup(t)

	_, hr := h.dial(t, gateway.HelloRequest{Format: "msgpack", Credits: 7})
	if hr.Format != gateway.CodecNameMsgpack {
		t.Errorf("format = %q, want msgpack", hr.Format)
	}
	if hr.Credits != 7 {
		t.Errorf("credits = %d, want 7", hr.Credits)
	}
	if hr.SessionID == "" {
		t.Error("session id is empty")
	}
	waitFor(t, func() bool { return h.srv.Connections().Count() == 1 })
}

func TestFirstFrameMustBeHello(t *testing.T) {
	h := setup(t)

	conn, _, _, err := ws.Dial(context.Background(), h.url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, _ := gateway.NewRequestFrame(gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: "chat:1"})
	data, _ := json.Marshal(frame)
	if err := wsutil.WriteClientText(conn, data); err != nil {
		t.Fatal(err)
	}
	c := &client{t: t, conn: conn, codec: gateway.JSONCodec{}}
	resp := c.read()
	if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeBadRequest {
		t.Fatalf("got %+v, want 400 error", resp)
	}
}

func TestSubscribeAndReceive(t *testing.T) {
	for _, format := range []string{"json", "msgpack"} {
		t.Run(format, func(t *testing.T) {
			h := setup(t)
			c, _ := h.dial(t, gateway.HelloRequest{Format: format})

			resp := c.request(gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: "chat:42"})
			if resp.Type != gateway.FrameResponse {
				t.Fatalf("subscribe reply = %+v", resp.Error)
			}

			if _, err := h.bus.Publish(context.Background(), "chat:42", "message", []byte(`{"text":"hey"}`)); err != nil {
				t.Fatalf("Publish: %v", err)
			}

			got := c.read()
			if got.Type != gateway.FrameEvent {
				t.Fatalf("type = %q, want event", got.Type)
			}
			if got.Channel != "chat:42" {
				t.Errorf("channel = %q, want chat:42", got.Channel)
			}
			var evt stream.Event
			if err := json.Unmarshal(got.Data, &evt); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if string(evt.Type) != "message" {
				t.Errorf("event type = %q, want message", evt.Type)
			}
			if string(evt.Data) != `{"text":"hey"}` {
				t.Errorf("event data = %s", evt.Data)
			}
		})
	}
}

func TestPublishThroughGateway(t *testing.T) {
	h := setup(t)
	listener, _ := h.dial(t, gateway.HelloRequest{})
	sender, _ := h.dial(t, gateway.HelloRequest{})

	listener.request(gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: "chat:7"})

	resp := sender.request(gateway.MethodPublish, gateway.PublishRequest{
		Channel: "chat:7",
		Type:    "typing",
		Payload: json.RawMessage(`{"user":"u1"}`),
	})
	if resp.Type != gateway.FrameResponse {
		t.Fatalf("publish reply = %+v", resp.Error)
	}
	var pr gateway.PublishResponse
	if err := json.Unmarshal(resp.Data, &pr); err != nil {
		t.Fatal(err)
	}
	if pr.Origin != h.bus.Origin() || pr.Seq != 1 {
		t.Errorf("publish response = %+v, want origin %q seq 1", pr, h.bus.Origin())
	}

	got := listener.read()
	if got.Type != gateway.FrameEvent || got.Channel != "chat:7" {
		t.Fatalf("got %+v, want event on chat:7", got)
	}
}

func TestPublishErrors(t *testing.T) {
	h := setup(t)
	c, _ := h.dial(t, gateway.HelloRequest{})

	resp := c.request(gateway.MethodPublish, gateway.PublishRequest{Channel: "bad channel", Type: "x"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeBadRequest {
		t.Errorf("invalid channel: got %+v, want 400", resp.Error)
	}

	h.hub.SetDown(true)
	resp = c.request(gateway.MethodPublish, gateway.PublishRequest{Channel: "chat:1", Type: "x"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeServiceUnavailable {
		t.Errorf("medium down: got %+v, want 503", resp.Error)
	}
}

func TestUnknownMethodAndBadTopic(t *testing.T) {
	h := setup(t)
	c, _ := h.dial(t, gateway.HelloRequest{})

	resp := c.request("job.enqueue", nil)
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Errorf("unknown method: got %+v, want 405", resp.Error)
	}

	resp = c.request(gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: ""})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeBadRequest {
		t.Errorf("empty channel: got %+v, want 400", resp.Error)
	}
}

func TestPingPong(t *testing.T) {
	h := setup(t)
	c, _ := h.dial(t, gateway.HelloRequest{})

	ping := &gateway.Frame{ID: gateway.GenerateFrameID(), Type: gateway.FramePing, Timestamp: time.Now()}
	c.write(ping)
	pong := c.read()
	if pong.Type != gateway.FramePong || pong.CorrelID != ping.ID {
		t.Errorf("got %+v, want pong for %s", pong, ping.ID)
	}
}

func TestCreditsGateDelivery(t *testing.T) {
	h := setup(t)
	c, hr := h.dial(t, gateway.HelloRequest{Credits: 1})
	c.request(gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: "chat:1"})

	ctx := context.Background()
	_, _ = h.bus.Publish(ctx, "chat:1", "m", []byte(`1`))
	_, _ = h.bus.Publish(ctx, "chat:1", "m", []byte(`2`))

	first := c.read()
	var evt stream.Event
	_ = json.Unmarshal(first.Data, &evt)
	if string(evt.Data) != "1" {
		t.Fatalf("first event = %s, want 1", evt.Data)
	}

	sub, ok := h.broker.GetSubscriber(hr.SessionID)
	if !ok {
		t.Fatal("subscriber not found")
	}
	if sub.Credits() != 0 {
		t.Errorf("credits = %d, want 0", sub.Credits())
	}

	c.write(&gateway.Frame{ID: gateway.GenerateFrameID(), Type: gateway.FrameCredits, Credits: 1, Timestamp: time.Now()})
	waitFor(t, func() bool { return sub.Credits() == 1 })

	_, _ = h.bus.Publish(ctx, "chat:1", "m", []byte(`3`))
	third := c.read()
	_ = json.Unmarshal(third.Data, &evt)
	if string(evt.Data) != "3" {
		t.Errorf("next event = %s, want 3 (2 was skipped)", evt.Data)
	}
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	h := setup(t)
	c, hr := h.dial(t, gateway.HelloRequest{})
	c.request(gateway.MethodSubscribe, gateway.SubscribeRequest{Channel: "chat:1"})

	_ = c.conn.Close()
	waitFor(t, func() bool {
		_, ok := h.broker.GetSubscriber(hr.SessionID)
		return !ok && h.srv.Connections().Count() == 0
	})
}
