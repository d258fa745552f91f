package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// wsConn is the subset of *websocket.Conn the gateway needs. Tests
// substitute an in-memory fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

// AgentConn is one live agent connection. Writes are serialized with a
// mutex because gorilla/websocket allows only one concurrent writer.
type AgentConn struct {
	agentID     string
	hostname    string
	version     string
	connectedAt time.Time

	mu   sync.Mutex
	conn wsConn
}

// NewAgentConn wraps an authenticated WebSocket connection.
func NewAgentConn(agentID, hostname, version string, conn wsConn) *AgentConn {
	return &AgentConn{
		agentID:     agentID,
		hostname:    hostname,
		version:     version,
		connectedAt: time.Now(),
		conn:        conn,
	}
}

// AgentID returns the agent this connection belongs to.
func (c *AgentConn) AgentID() string { return c.agentID }

// ConnectedAt returns when the connection was registered.
func (c *AgentConn) ConnectedAt() time.Time { return c.connectedAt }

// WriteFrame marshals and sends a frame to the agent.
func (c *AgentConn) WriteFrame(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a WebSocket ping control frame.
func (c *AgentConn) Ping(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close closes the underlying connection.
func (c *AgentConn) Close() error {
	return c.conn.Close()
}
