package gateway

import (
	"log/slog"
	"sync"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// Registry holds the live connection for each agent. An agent has at
// most one connection; a reconnect supersedes and closes the previous
// one.
type Registry struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	mu    sync.RWMutex
	conns map[string]*AgentConn
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, bus *eventbus.Bus) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		bus:    bus,
		conns:  make(map[string]*AgentConn),
	}
}

// Register stores the connection for its agent, closing any previous
// connection for the same agent.
func (r *Registry) Register(c *AgentConn) {
	r.mu.Lock()
	prev, had := r.conns[c.agentID]
	r.conns[c.agentID] = c
	r.mu.Unlock()

	if had {
		r.logger.Warn("agent reconnect: closing previous connection", "agent_id", c.agentID)
		_ = prev.Close()
	}

	r.logger.Info("agent connected", "agent_id", c.agentID, "hostname", c.hostname)
	r.bus.PublishType(eventbus.AgentConnected, c.agentID, nil)
}

// Unregister removes the connection if it is still the current one for
// its agent. It reports whether the removal happened; a superseded
// connection returns false and must not mark the agent offline.
func (r *Registry) Unregister(c *AgentConn) bool {
	r.mu.Lock()
	current, ok := r.conns[c.agentID]
	if !ok || current != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c.agentID)
	r.mu.Unlock()

	r.logger.Info("agent disconnected", "agent_id", c.agentID)
	r.bus.PublishType(eventbus.AgentDisconnected, c.agentID, nil)
	return true
}

// Get returns the live connection for an agent, if any.
func (r *Registry) Get(agentID string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[agentID]
	return c, ok
}

// Online reports whether an agent has a live connection.
func (r *Registry) Online(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// List returns the IDs of all connected agents.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Send writes a frame to the named agent. It returns ErrAgentOffline
// when the agent is not connected or the write fails.
func (r *Registry) Send(agentID string, f protocol.Frame) error {
	c, ok := r.Get(agentID)
	if !ok {
		return ErrAgentOffline
	}
	if err := c.WriteFrame(f); err != nil {
		r.logger.Warn("write to agent failed", "agent_id", agentID, "error", err)
		return ErrAgentOffline
	}
	return nil
}
