package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/courier/client"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/gateway"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/stream"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	hub *memory.Hub
	bus *event.Bus
	srv *gateway.Server
	url string
}

// setup starts a gateway on an httptest server with the bus delivering
// chat:* and post:* to the broker.
func setup(t *testing.T) *env {
	t.Helper()
	hub := memory.NewHub()
	bus := event.NewBus(hub, event.WithLogger(testLogger()))
	broker := stream.NewBroker(testLogger())
	for _, p := range []string{"chat:*", "post:*"} {
		if _, err := bus.Subscribe(context.Background(), p, broker.DeliverFunc()); err != nil {
			t.Fatalf("bus.Subscribe(%q): %v", p, err)
		}
	}
	srv := gateway.NewServer(broker, bus, gateway.WithLogger(testLogger()))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
		_ = bus.Close()
	})
	return &env{hub: hub, bus: bus, srv: srv, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (e *env) dial(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithLogger(testLogger())}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.DialContext(ctx, e.url, opts...)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recv(t *testing.T, ch <-chan *stream.Event) *stream.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// ── Tests ─────────────────────────────────────────────

func TestDialAssignsSession(t *testing.T) {
	e := setup(t)
	c := e.dial(t)
	if c.SessionID() == "" {
		t.Error("SessionID is empty")
	}
}

func TestDialBadURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.DialContext(ctx, "ws://127.0.0.1:1/ws"); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSubscribePublish(t *testing.T) {
	for _, format := range []string{"json", "msgpack"} {
		t.Run(format, func(t *testing.T) {
			e := setup(t)
			listener := e.dial(t, client.WithFormat(format))
			sender := e.dial(t, client.WithFormat(format))
			ctx := context.Background()

			ch, err := listener.Subscribe(ctx, "chat:1")
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}

			resp, err := sender.Publish(ctx, "chat:1", "message", map[string]string{"text": "hello"})
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if resp.Origin != e.bus.Origin() {
				t.Errorf("origin = %q, want %q", resp.Origin, e.bus.Origin())
			}
			if resp.Seq != 1 {
				t.Errorf("seq = %d, want 1", resp.Seq)
			}

			evt := recv(t, ch)
			if evt.Type != "message" {
				t.Errorf("type = %q, want message", evt.Type)
			}
			if string(evt.Data) != `{"text":"hello"}` {
				t.Errorf("data = %s", evt.Data)
			}
			if evt.ID != resp.EventID {
				t.Errorf("id = %q, want %q", evt.ID, resp.EventID)
			}
		})
	}
}

func TestPublishRemoteErrors(t *testing.T) {
	e := setup(t)
	c := e.dial(t)
	ctx := context.Background()

	_, err := c.Publish(ctx, "", "x", nil)
	var remote *client.RemoteError
	if !errors.As(err, &remote) || remote.Code != gateway.ErrCodeBadRequest {
		t.Errorf("empty channel: got %v, want 400", err)
	}

	e.hub.SetDown(true)
	_, err = c.Publish(ctx, "chat:1", "x", nil)
	if !errors.As(err, &remote) || remote.Code != gateway.ErrCodeServiceUnavailable {
		t.Errorf("medium down: got %v, want 503", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	e := setup(t)
	c := e.dial(t)
	ctx := context.Background()

	ch, err := c.Subscribe(ctx, "post:3")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Unsubscribe(ctx, "post:3"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed")
	}
}

func TestPing(t *testing.T) {
	e := setup(t)
	c := e.dial(t)
	rtt, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %v, want > 0", rtt)
	}
}

func TestCredits(t *testing.T) {
	e := setup(t)
	c := e.dial(t, client.WithCredits(1))
	ctx := context.Background()

	ch, err := c.Subscribe(ctx, "chat:9")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = e.bus.Publish(ctx, "chat:9", "m", []byte(`1`))
	_, _ = e.bus.Publish(ctx, "chat:9", "m", []byte(`2`))
	if got := string(recv(t, ch).Data); got != "1" {
		t.Fatalf("first = %s, want 1", got)
	}

	if err := c.GrantCredits(1); err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}
	// The grant has no reply; a ping after it proves it was processed.
	if _, err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	_, _ = e.bus.Publish(ctx, "chat:9", "m", []byte(`3`))
	if got := string(recv(t, ch).Data); got != "3" {
		t.Errorf("next = %s, want 3", got)
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	e := setup(t)
	c := e.dial(t, client.WithReconnect(10, 10*time.Millisecond))
	ctx := context.Background()

	ch, err := c.Subscribe(ctx, "chat:5")
	if err != nil {
		t.Fatal(err)
	}
	first := c.SessionID()

	for _, conn := range e.srv.Connections().All() {
		_ = conn.Close()
	}

	deadline := time.Now().Add(3 * time.Second)
	resubscribed := func() bool {
		session := c.SessionID()
		if session == first {
			return false
		}
		sub, ok := e.srv.Broker().GetSubscriber(session)
		if !ok {
			return false
		}
		for _, topic := range sub.Topics() {
			if topic == "chat:5" {
				return true
			}
		}
		return false
	}
	for !resubscribed() {
		if time.Now().After(deadline) {
			t.Fatal("client did not reconnect and resubscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := e.bus.Publish(ctx, "chat:5", "after", nil); err != nil {
		t.Fatal(err)
	}
	if evt := recv(t, ch); evt.Type != "after" {
		t.Errorf("type = %q, want after", evt.Type)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := setup(t)
	c := e.dial(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.Publish(context.Background(), "chat:1", "x", nil); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}
