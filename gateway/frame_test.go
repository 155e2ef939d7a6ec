package gateway

import (
	"encoding/json"
	"testing"

	"github.com/gobwas/ws"
)

func TestNewRequestFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewRequestFrame(MethodSubscribe, SubscribeRequest{Channel: "chat:1"})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	if frame.ID == "" {
		t.Error("ID should be auto-generated")
	}
	if frame.Type != FrameRequest {
		t.Errorf("Type = %q, want %q", frame.Type, FrameRequest)
	}
	if frame.Method != MethodSubscribe {
		t.Errorf("Method = %q, want %q", frame.Method, MethodSubscribe)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if req.Channel != "chat:1" {
		t.Errorf("channel = %q, want %q", req.Channel, "chat:1")
	}
}

func TestNewErrorFrame(t *testing.T) {
	t.Parallel()

	frame := NewErrorFrame("req-1", ErrCodeBadRequest, "nope")
	if frame.Type != FrameErr {
		t.Errorf("Type = %q, want %q", frame.Type, FrameErr)
	}
	if frame.CorrelID != "req-1" {
		t.Errorf("CorrelID = %q, want %q", frame.CorrelID, "req-1")
	}
	if frame.Error == nil || frame.Error.Code != ErrCodeBadRequest {
		t.Fatalf("Error = %+v, want code %d", frame.Error, ErrCodeBadRequest)
	}
}

func TestNewEventFrame(t *testing.T) {
	t.Parallel()

	frame, err := NewEventFrame("post:9", map[string]int{"likes": 3})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if frame.Type != FrameEvent {
		t.Errorf("Type = %q, want %q", frame.Type, FrameEvent)
	}
	if frame.Channel != "post:9" {
		t.Errorf("Channel = %q, want %q", frame.Channel, "post:9")
	}
}

func TestCodecs(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			t.Parallel()

			orig, err := NewRequestFrame(MethodPublish, PublishRequest{
				Channel: "chat:1",
				Type:    "message",
				Payload: json.RawMessage(`{"text":"hi"}`),
			})
			if err != nil {
				t.Fatal(err)
			}
			orig.Credits = 5

			data, err := codec.Encode(orig)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.ID != orig.ID || got.Method != orig.Method || got.Credits != 5 {
				t.Errorf("got %+v, want %+v", got, orig)
			}

			var req PublishRequest
			if err := json.Unmarshal(got.Data, &req); err != nil {
				t.Fatalf("unmarshal data: %v", err)
			}
			if req.Channel != "chat:1" || req.Type != "message" {
				t.Errorf("request = %+v", req)
			}
		})
	}
}

func TestCodecErrorFrame(t *testing.T) {
	t.Parallel()

	data, err := MsgpackCodec{}.Encode(NewErrorFrame("x", ErrCodeServiceUnavailable, "down"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := MsgpackCodec{}.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Error == nil || got.Error.Code != ErrCodeServiceUnavailable || got.Error.Message != "down" {
		t.Errorf("Error = %+v", got.Error)
	}
}

func TestGetCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
		op   ws.OpCode
	}{
		{"json", CodecNameJSON, ws.OpText},
		{"msgpack", CodecNameMsgpack, ws.OpBinary},
		{"", CodecNameJSON, ws.OpText},
		{"protobuf", CodecNameJSON, ws.OpText},
	}
	for _, tt := range tests {
		c := GetCodec(tt.name)
		if c.Name() != tt.want {
			t.Errorf("GetCodec(%q).Name() = %q, want %q", tt.name, c.Name(), tt.want)
		}
		if c.OpCode() != tt.op {
			t.Errorf("GetCodec(%q).OpCode() = %v, want %v", tt.name, c.OpCode(), tt.op)
		}
		if CodecFor(c.OpCode()).Name() != c.Name() {
			t.Errorf("CodecFor(%v) does not round trip to %q", c.OpCode(), c.Name())
		}
	}
}

func TestConnectionSubscriptions(t *testing.T) {
	t.Parallel()

	c := newConnection("conn-1", nil, 0)
	c.AddSubscription("chat:1")
	c.AddSubscription("post:*")
	c.AddSubscription("chat:1")
	if got := len(c.Subscriptions()); got != 2 {
		t.Fatalf("subscriptions = %d, want 2", got)
	}
	c.RemoveSubscription("chat:1")
	subs := c.Subscriptions()
	if len(subs) != 1 || subs[0] != "post:*" {
		t.Errorf("subscriptions = %v, want [post:*]", subs)
	}
	if c.Codec().Name() != CodecNameJSON {
		t.Errorf("default codec = %q, want json", c.Codec().Name())
	}
}

func TestConnectionManager(t *testing.T) {
	t.Parallel()

	cm := NewConnectionManager()
	cm.Add(newConnection("a", nil, 0))
	cm.Add(newConnection("b", nil, 0))
	if cm.Count() != 2 {
		t.Fatalf("Count = %d, want 2", cm.Count())
	}
	if _, ok := cm.Get("a"); !ok {
		t.Error("Get(a) not found")
	}
	cm.Remove("a")
	if _, ok := cm.Get("a"); ok {
		t.Error("Get(a) found after Remove")
	}
	if len(cm.All()) != 1 {
		t.Errorf("All = %d, want 1", len(cm.All()))
	}
}
