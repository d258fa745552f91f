// Package notify streams bus events to operator WebSocket clients.
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/eventbus"
)

const (
	clientPingInterval = 30 * time.Second
	clientWriteWait    = 10 * time.Second
)

// Hub upgrades operator connections and forwards every bus event to
// them as JSON. Clients authenticate with the same bearer tokens the
// HTTP API uses.
type Hub struct {
	logger   *slog.Logger
	provider auth.Provider
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id       string
	username string
	mu       sync.Mutex
	conn     *websocket.Conn
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteWait))
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger, provider auth.Provider, bus *eventbus.Bus, allowedOrigins []string) *Hub {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return &Hub{
		logger:   logger.With("component", "notify"),
		provider: provider,
		bus:      bus,
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return originSet[origin]
			},
		},
	}
}

// HandleWS handles an operator event-stream connection.
//
// The token rides in a query parameter because browsers cannot set
// headers during the WebSocket handshake; keep query strings out of
// access logs.
func (h *Hub) HandleWS(w http.ResponseWriter, req *http.Request) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := h.provider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	c := &client{id: uuid.New().String(), username: identity.Username, conn: conn}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	events := h.bus.Subscribe()
	h.logger.Info("operator connected", "user", identity.Username, "conn_id", c.id)

	defer func() {
		h.bus.Unsubscribe(events)
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		h.logger.Info("operator disconnected", "user", identity.Username, "conn_id", c.id)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Operators only listen; reads just detect the close.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.writeJSON(ev); err != nil {
				h.logger.Debug("operator write failed", "conn_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected operators.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
