package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/xraph/courier"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/stream"
)

// Publisher publishes events on the bus. *event.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, payload []byte) (*event.Event, error)
}

// handler dispatches request frames.
type handler struct {
	broker *stream.Broker
	bus    Publisher
	logger *slog.Logger
}

// handle processes a request frame and returns the frame to send back.
func (h *handler) handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	switch frame.Method {
	case MethodSubscribe:
		return h.handleSubscribe(frame, conn)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame, conn)
	case MethodPublish:
		return h.handlePublish(ctx, frame)
	case MethodHello:
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "session already open")
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

func (h *handler) handleSubscribe(frame *Frame, conn *Connection) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}
	if !h.broker.SubscribeTo(conn.ID, req.Channel) {
		return NewErrorFrame(frame.ID, ErrCodeInternal, "connection has no subscriber")
	}
	conn.AddSubscription(req.Channel)
	return mustResponseFrame(frame.ID, map[string]string{"channel": req.Channel})
}

func (h *handler) handleUnsubscribe(frame *Frame, conn *Connection) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	h.broker.Unsubscribe(conn.ID, req.Channel)
	conn.RemoveSubscription(req.Channel)
	return mustResponseFrame(frame.ID, map[string]string{"channel": req.Channel})
}

func (h *handler) handlePublish(ctx context.Context, frame *Frame) *Frame {
	if h.bus == nil {
		return NewErrorFrame(frame.ID, ErrCodeServiceUnavailable, "publishing is disabled")
	}
	var req PublishRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	e, err := h.bus.Publish(ctx, req.Channel, req.Type, req.Payload)
	switch {
	case err == nil:
		return mustResponseFrame(frame.ID, PublishResponse{
			EventID: e.ID.String(),
			Origin:  e.Origin,
			Seq:     e.Seq,
		})
	case errors.Is(err, courier.ErrValidation):
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	case errors.Is(err, courier.ErrTransportUnavailable), errors.Is(err, courier.ErrBusClosed):
		return NewErrorFrame(frame.ID, ErrCodeServiceUnavailable, err.Error())
	default:
		h.logger.Error("gateway publish failed",
			slog.String("channel", req.Channel),
			slog.String("error", err.Error()),
		)
		return NewErrorFrame(frame.ID, ErrCodeInternal, "publish failed")
	}
}
