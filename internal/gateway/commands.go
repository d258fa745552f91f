package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// Commands is the typed command surface over the agent protocol. All
// request/response commands go through SendAndWait; fire-and-forget
// commands go through Send and never wait for a reply.
type Commands struct {
	logger   *slog.Logger
	registry *Registry
	corr     *Correlator
	store    store.Store
	timeout  time.Duration
}

// NewCommands creates the command service.
func NewCommands(logger *slog.Logger, reg *Registry, corr *Correlator, s store.Store, timeout time.Duration) *Commands {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Commands{
		logger:   logger.With("component", "commands"),
		registry: reg,
		corr:     corr,
		store:    s,
		timeout:  timeout,
	}
}

// SendAndWait sends a request to an agent and blocks until its response
// arrives or the request fails. The returned payload is the raw
// response body.
func (c *Commands) SendAndWait(ctx context.Context, agentID, action string, payload any) (json.RawMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}

	frame := protocol.NewFrame(protocol.TypeRequest, c.corr.NextID(), action, raw)
	id := c.corr.Track(agentID, frame)

	if err := c.registry.Send(agentID, frame); err != nil {
		c.corr.Fail(id, err)
		c.logCommand(agentID, action, id, store.CommandFailed, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.corr.Await(ctx, id)
	c.logCommand(agentID, action, id, statusOf(err), err)
	return resp, err
}

// Send delivers a request without registering a pending entry. The id
// still comes from the shared counter so logs stay correlatable.
func (c *Commands) Send(agentID, action string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", action, err)
	}
	frame := protocol.NewFrame(protocol.TypeRequest, c.corr.NextID(), action, raw)
	err = c.registry.Send(agentID, frame)
	c.logCommand(agentID, action, frame.ID, statusOf(err), err)
	return err
}

// --- Typed commands ---

// GetServerInfo fetches static host facts from an agent.
func (c *Commands) GetServerInfo(ctx context.Context, agentID string) (*protocol.ServerInfo, error) {
	return sendTyped[protocol.ServerInfo](ctx, c, agentID, protocol.ActionGetServerInfo, nil)
}

// GetServices lists the managed services on an agent.
func (c *Commands) GetServices(ctx context.Context, agentID string) ([]protocol.Service, error) {
	raw, err := c.SendAndWait(ctx, agentID, protocol.ActionGetServices, nil)
	if err != nil {
		return nil, err
	}
	var services []protocol.Service
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return services, nil
}

// GetService fetches the state of a single service.
func (c *Commands) GetService(ctx context.Context, agentID, name string) (*protocol.Service, error) {
	return sendTyped[protocol.Service](ctx, c, agentID, protocol.ActionGetService,
		protocol.ServiceRequest{Name: name})
}

// GetServiceLog tails a service's log.
func (c *Commands) GetServiceLog(ctx context.Context, agentID, name string, lines int) (*protocol.ServiceLog, error) {
	return sendTyped[protocol.ServiceLog](ctx, c, agentID, protocol.ActionGetServiceLog,
		protocol.ServiceLogRequest{Name: name, Lines: lines})
}

// RestartService restarts a service and reports the outcome.
func (c *Commands) RestartService(ctx context.Context, agentID, name string) (*protocol.RestartResult, error) {
	return sendTyped[protocol.RestartResult](ctx, c, agentID, protocol.ActionRestartService,
		protocol.ServiceRequest{Name: name})
}

// GetProcesses lists running processes on an agent.
func (c *Commands) GetProcesses(ctx context.Context, agentID string) ([]protocol.Process, error) {
	raw, err := c.SendAndWait(ctx, agentID, protocol.ActionGetProcesses, nil)
	if err != nil {
		return nil, err
	}
	var procs []protocol.Process
	if err := json.Unmarshal(raw, &procs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return procs, nil
}

// GetProcess fetches a single process by name.
func (c *Commands) GetProcess(ctx context.Context, agentID, name string) (*protocol.Process, error) {
	return sendTyped[protocol.Process](ctx, c, agentID, protocol.ActionGetProcess,
		protocol.ProcessRequest{Name: name})
}

// UpdateAgentConfig pushes settings to an agent.
func (c *Commands) UpdateAgentConfig(ctx context.Context, agentID string, cfg protocol.AgentConfig) (*protocol.ConfigAck, error) {
	return sendTyped[protocol.ConfigAck](ctx, c, agentID, protocol.ActionUpdateAgentConfig, cfg)
}

// BrowseFilesystem lists a directory on the agent's host.
func (c *Commands) BrowseFilesystem(ctx context.Context, agentID, path string) (*protocol.BrowseResult, error) {
	return sendTyped[protocol.BrowseResult](ctx, c, agentID, protocol.ActionBrowseFilesystem,
		protocol.BrowseRequest{Path: path})
}

// TriggerBackup starts a backup job on the agent. Fire-and-forget:
// the outcome arrives later as a backup-completed event.
func (c *Commands) TriggerBackup(agentID string, req protocol.BackupRequest) error {
	return c.Send(agentID, protocol.ActionTriggerBackup, req)
}

// sendTyped runs SendAndWait and decodes the response into T.
func sendTyped[T any](ctx context.Context, c *Commands, agentID, action string, payload any) (*T, error) {
	raw, err := c.SendAndWait(ctx, agentID, action, payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &out, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func statusOf(err error) string {
	if err != nil {
		return store.CommandFailed
	}
	return store.CommandOK
}

func (c *Commands) logCommand(agentID, action string, id int64, status string, err error) {
	if c.store == nil {
		return
	}
	entry := &store.CommandLog{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Action:    action,
		MessageID: id,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := c.store.AppendCommandLog(context.Background(), entry); logErr != nil {
		c.logger.Warn("failed to append command log", "error", logErr)
	}
}
