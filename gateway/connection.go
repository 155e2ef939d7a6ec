package gateway

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// Connection is one client session.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	// LastActivity tracks the most recent frame received.
	LastActivity atomic.Value // time.Time

	conn         net.Conn
	codec        Codec
	writeTimeout time.Duration

	// wmu serializes writes; gobwas/ws leaves that to the caller.
	wmu sync.Mutex

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:            id,
		ConnectedAt:   time.Now().UTC(),
		conn:          conn,
		codec:         JSONCodec{},
		writeTimeout:  writeTimeout,
		subscriptions: make(map[string]struct{}),
	}
	c.Touch()
	return c
}

// Codec returns the negotiated codec.
func (c *Connection) Codec() Codec {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.codec
}

func (c *Connection) setCodec(codec Codec) {
	c.wmu.Lock()
	c.codec = codec
	c.wmu.Unlock()
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.LastActivity.Store(time.Now().UTC())
}

// Write encodes frame with the connection codec and sends it.
func (c *Connection) Write(frame *Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(c.codec, frame)
}

// writeJSON sends frame as JSON whatever the codec. Used for hello.
func (c *Connection) writeJSON(frame *Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(JSONCodec{}, frame)
}

func (c *Connection) writeLocked(codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("gateway: encode frame: %w", err)
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)) //nolint:errcheck // surfaced by the write
	}
	return wsutil.WriteServerMessage(c.conn, codec.OpCode(), data)
}

// Close closes the underlying socket.
func (c *Connection) Close() error { return c.conn.Close() }

// AddSubscription records a channel subscription.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription removes a channel subscription.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// Subscriptions returns a copy of active subscription channels.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// ConnectionManager tracks live connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]*Connection)}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
