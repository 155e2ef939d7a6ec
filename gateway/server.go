package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/stream"
)

// Server upgrades HTTP requests to WebSocket sessions.
type Server struct {
	broker  *stream.Broker
	handler *handler
	conns   *ConnectionManager
	logger  *slog.Logger

	helloTimeout time.Duration
	writeTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a gateway over broker. bus may be nil, which turns the
// publish method off.
func NewServer(broker *stream.Broker, bus Publisher, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		helloTimeout: 10 * time.Second,
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = &handler{broker: broker, bus: bus, logger: s.logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "gateway closed", http.StatusServiceUnavailable)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.serve(conn); err != nil {
			s.logger.Debug("gateway session ended", slog.String("error", err.Error()))
		}
	}()
}

// Close disconnects every client and waits for the sessions to end.
func (s *Server) Close() error {
	s.cancel()
	for _, c := range s.conns.All() {
		_ = c.Close() //nolint:errcheck // best effort
	}
	s.wg.Wait()
	return nil
}

// serve runs one session until the client goes away.
func (s *Server) serve(netConn net.Conn) error {
	connID := id.NewConnectionID().String()
	conn := newConnection(connID, netConn, s.writeTimeout)
	defer conn.Close() //nolint:errcheck // closing a finished session

	if err := s.hello(conn); err != nil {
		return err
	}

	s.conns.Add(conn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("gateway client disconnected", slog.String("conn_id", connID))
	}()

	sub, _ := s.broker.GetSubscriber(connID)
	go s.forwardEvents(conn, sub)

	// Unblock the read loop when the server closes.
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() }) //nolint:errcheck // best effort
	defer stop()

	for {
		data, op, err := wsutil.ReadClientData(netConn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return nil
			}
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil
			}
			return fmt.Errorf("gateway: read: %w", err)
		}
		conn.Touch()

		frame, decErr := CodecFor(op).Decode(data)
		if decErr != nil {
			s.reply(conn, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error()))
			continue
		}

		switch frame.Type {
		case FramePing:
			s.reply(conn, &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: time.Now().UTC(),
			})
		case FrameCredits:
			if frame.Credits > 0 {
				sub.AddCredits(int64(frame.Credits))
			}
		case FrameRequest:
			s.reply(conn, s.handler.handle(s.ctx, frame, conn))
		default:
			s.reply(conn, NewErrorFrame(frame.ID, ErrCodeBadRequest, "unexpected frame type: "+string(frame.Type)))
		}
	}
}

// hello reads the opening frame, negotiates the codec and creates the
// broker subscriber for the connection.
func (s *Server) hello(conn *Connection) error {
	_ = conn.conn.SetReadDeadline(time.Now().Add(s.helloTimeout)) //nolint:errcheck // surfaced by the read
	data, err := wsutil.ReadClientText(conn.conn)
	if err != nil {
		return fmt.Errorf("gateway: read hello: %w", err)
	}
	_ = conn.conn.SetReadDeadline(time.Time{}) //nolint:errcheck // surfaced by the next read

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = conn.writeJSON(NewErrorFrame("", ErrCodeBadRequest, "invalid hello frame")) //nolint:errcheck // best effort before disconnect
		return fmt.Errorf("gateway: unmarshal hello: %w", err)
	}
	if frame.Method != MethodHello {
		_ = conn.writeJSON(NewErrorFrame(frame.ID, ErrCodeBadRequest, "first frame must be hello")) //nolint:errcheck // best effort before disconnect
		return fmt.Errorf("gateway: expected hello, got %q", frame.Method)
	}

	var req HelloRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			_ = conn.writeJSON(NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid hello data")) //nolint:errcheck // best effort before disconnect
			return fmt.Errorf("gateway: unmarshal hello data: %w", err)
		}
	}

	sub := s.broker.Subscribe(conn.ID)
	if req.Credits > 0 {
		sub.AddCredits(int64(req.Credits) - sub.Credits())
	}
	codec := GetCodec(req.Format)

	resp, err := NewResponseFrame(frame.ID, HelloResponse{
		Format:    codec.Name(),
		SessionID: conn.ID,
		Credits:   sub.Credits(),
	})
	if err != nil {
		return fmt.Errorf("gateway: marshal hello response: %w", err)
	}
	if err := conn.writeJSON(resp); err != nil {
		s.broker.RemoveSubscriber(conn.ID)
		return fmt.Errorf("gateway: write hello response: %w", err)
	}
	conn.setCodec(codec)

	s.logger.Info("gateway client connected",
		slog.String("conn_id", conn.ID),
		slog.String("codec", codec.Name()),
	)
	return nil
}

// forwardEvents writes broker events to the client until the subscriber
// is closed.
func (s *Server) forwardEvents(conn *Connection, sub *stream.Subscriber) {
	for evt := range sub.C() {
		frame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if err := conn.Write(frame); err != nil {
			_ = conn.Close() //nolint:errcheck // read loop notices
			return
		}
	}
}

func (s *Server) reply(conn *Connection, frame *Frame) {
	if frame == nil {
		return
	}
	if err := conn.Write(frame); err != nil {
		s.logger.Warn("gateway write failed",
			slog.String("conn_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}
}
