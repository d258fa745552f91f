// Package gateway implements the command protocol between the server
// and its agents: connection registry, request/response correlation
// with retries, typed commands and inbound frame dispatch.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// EventHandler consumes one event frame pushed by an agent.
type EventHandler func(agentID string, payload json.RawMessage)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// DispatcherOptions configures the inbound side of the gateway.
type DispatcherOptions struct {
	AllowedOrigins []string
	MaxFrameBytes  int64 // default 1MB
}

// Dispatcher accepts agent WebSocket connections, performs the
// authenticate handshake and routes inbound frames: responses to the
// correlator, events to their registered handlers.
type Dispatcher struct {
	logger    *slog.Logger
	registry  *Registry
	corr      *Correlator
	agentAuth auth.AgentAuthProvider
	store     store.Store
	upgrader  websocket.Upgrader

	maxFrameBytes int64

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger *slog.Logger, reg *Registry, corr *Correlator, aa auth.AgentAuthProvider, s store.Store, opts DispatcherOptions) *Dispatcher {
	maxFrame := opts.MaxFrameBytes
	if maxFrame == 0 {
		maxFrame = 1024 * 1024
	}
	return &Dispatcher{
		logger:        logger.With("component", "dispatcher"),
		registry:      reg,
		corr:          corr,
		agentAuth:     aa,
		store:         s,
		upgrader:      makeUpgrader(opts.AllowedOrigins),
		maxFrameBytes: maxFrame,
		handlers:      make(map[string]EventHandler),
	}
}

// OnEvent registers the handler for an event action. Later
// registrations replace earlier ones.
func (d *Dispatcher) OnEvent(action string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// HandleAgentWS handles WebSocket connections from agents.
func (d *Dispatcher) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	conn, err := d.upgrader.Upgrade(w, req, nil)
	if err != nil {
		d.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	d.serve(conn)
}

// serve runs the handshake and read loop for one connection.
func (d *Dispatcher) serve(conn wsConn) {
	conn.SetReadLimit(d.maxFrameBytes)

	hello, helloID, ok := d.handshake(conn)
	if !ok {
		return
	}

	ac := NewAgentConn(hello.AgentID, hello.Hostname, hello.Version, conn)

	ack := protocol.AuthResponse{OK: true}
	raw, _ := json.Marshal(ack)
	if err := ac.WriteFrame(protocol.NewFrame(protocol.TypeResponse, helloID, protocol.ActionAuthenticate, raw)); err != nil {
		d.logger.Warn("auth ack write failed", "agent_id", hello.AgentID, "error", err)
		return
	}

	d.registry.Register(ac)

	ctx := context.Background()
	if err := d.store.UpsertAgent(ctx, &store.Agent{
		ID:       hello.AgentID,
		Name:     hello.AgentID,
		Hostname: hello.Hostname,
		OS:       hello.OS,
		Version:  hello.Version,
		Online:   true,
		LastSeen: time.Now(),
	}); err != nil {
		d.logger.Warn("failed to upsert agent", "agent_id", hello.AgentID, "error", err)
	}

	kaCtx, kaCancel := context.WithCancel(ctx)
	go keepalive(kaCtx, d.logger, ac, conn)

	defer func() {
		kaCancel()
		if d.registry.Unregister(ac) {
			// Still the current connection for this agent: mark it
			// offline and fail its in-flight requests. A superseded
			// connection skips both.
			if err := d.store.SetAgentOnline(ctx, hello.AgentID, false); err != nil {
				d.logger.Warn("failed to mark agent offline", "agent_id", hello.AgentID, "error", err)
			}
			d.corr.FailAgent(hello.AgentID, ErrAgentOffline)
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			d.logger.Debug("agent read error", "agent_id", hello.AgentID, "error", err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			d.logger.Warn("invalid frame from agent", "agent_id", hello.AgentID, "error", err)
			continue
		}

		d.dispatch(hello.AgentID, frame)
	}
}

// handshake reads and validates the authenticate frame. The first
// frame on a connection must be a request with the authenticate
// action; anything else closes the connection.
func (d *Dispatcher) handshake(conn wsConn) (*protocol.AuthRequest, int64, bool) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		d.logger.Warn("agent hello read failed", "error", err)
		return nil, 0, false
	}

	var frame protocol.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		d.logger.Warn("agent hello parse failed", "error", err)
		return nil, 0, false
	}
	if frame.Type != protocol.TypeRequest || frame.Action != protocol.ActionAuthenticate {
		d.logger.Warn("expected authenticate, got", "type", frame.Type, "action", frame.Action)
		return nil, 0, false
	}

	var hello protocol.AuthRequest
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		d.logger.Warn("agent hello unmarshal failed", "error", err)
		return nil, 0, false
	}

	// Validate agent token: try time-limited HMAC first, then static.
	tokenValid := false
	if d.agentAuth != nil && d.agentAuth.AgentTokenSecret() != "" {
		agentID, err := d.agentAuth.ValidateTimeLimitedToken(hello.Token)
		if err == nil && agentID == hello.AgentID {
			tokenValid = true
		}
	}
	if !tokenValid {
		if d.agentAuth == nil || !d.agentAuth.ValidateAgentToken(hello.AgentID, hello.Token) {
			d.rejectHandshake(conn, frame.ID, "invalid agent credentials")
			return nil, 0, false
		}
	}

	return &hello, frame.ID, true
}

func (d *Dispatcher) rejectHandshake(conn wsConn, id int64, reason string) {
	raw, _ := json.Marshal(protocol.AuthResponse{OK: false, Error: reason})
	frame := protocol.NewFrame(protocol.TypeResponse, id, protocol.ActionAuthenticate, raw)
	data, _ := json.Marshal(frame)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// dispatch routes one inbound frame.
func (d *Dispatcher) dispatch(agentID string, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeResponse:
		if err := d.corr.Resolve(frame.ID, frame.Payload); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Late response after timeout, or duplicate. Drop it.
				d.logger.Debug("response for unknown request", "agent_id", agentID, "id", frame.ID)
				return
			}
			d.logger.Warn("resolve failed", "agent_id", agentID, "id", frame.ID, "error", err)
		}

	case protocol.TypeEvent:
		d.mu.RLock()
		h, ok := d.handlers[frame.Action]
		d.mu.RUnlock()
		if !ok {
			d.logger.Warn("unknown event action", "agent_id", agentID, "action", frame.Action)
			return
		}
		h(agentID, frame.Payload)

	default:
		d.logger.Warn("unexpected frame type from agent", "agent_id", agentID, "type", frame.Type)
	}
}
