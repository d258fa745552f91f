package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// ServiceRestarter issues restart commands to agents. Satisfied by
// *gateway.Commands.
type ServiceRestarter interface {
	RestartService(ctx context.Context, agentID, name string) (*protocol.RestartResult, error)
}

// Options tunes the controller.
type Options struct {
	MaxAttempts    int           // restart attempts per outage; default 3
	Cooldown       time.Duration // wait between attempts; default 20s
	RestartTimeout time.Duration // deadline for one restart command; default 30s
}

// Controller consumes watchlist health reports and drives automatic
// restarts. Services with auto-restart get up to MaxAttempts restarts
// separated by Cooldown, then a single escalation alert. Processes
// cannot be restarted and alert immediately, once per outage.
type Controller struct {
	logger  *slog.Logger
	store   store.Store
	cmds    ServiceRestarter
	bus     *eventbus.Bus
	tracker *Tracker

	restartTimeout time.Duration
	now            func() time.Time // swapped in tests
}

// NewController creates a controller.
func NewController(logger *slog.Logger, s store.Store, cmds ServiceRestarter, bus *eventbus.Bus, opts Options) *Controller {
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = 30 * time.Second
	}
	return &Controller{
		logger:         logger.With("component", "recovery"),
		store:          s,
		cmds:           cmds,
		bus:            bus,
		tracker:        NewTracker(opts.MaxAttempts, opts.Cooldown),
		restartTimeout: opts.RestartTimeout,
		now:            time.Now,
	}
}

// HandleWatchlistMetrics is the event handler for watchlist-metrics
// frames. Register it with the gateway dispatcher.
func (c *Controller) HandleWatchlistMetrics(agentID string, payload json.RawMessage) {
	var report protocol.WatchlistMetrics
	if err := json.Unmarshal(payload, &report); err != nil {
		c.logger.Warn("bad watchlist report", "agent_id", agentID, "error", err)
		return
	}

	entries, err := c.store.ListWatchlist(context.Background(), agentID)
	if err != nil {
		c.logger.Warn("list watchlist failed", "agent_id", agentID, "error", err)
		return
	}

	services := make(map[string]protocol.WatchedService, len(report.Services))
	for _, s := range report.Services {
		services[s.Name] = s
	}
	processes := make(map[string]protocol.WatchedProcess, len(report.Processes))
	for _, p := range report.Processes {
		processes[p.Name] = p
	}

	now := c.now()
	for _, e := range entries {
		switch e.Kind {
		case store.WatchService:
			s, reported := services[e.Name]
			if !reported {
				continue // not in this report, no opinion
			}
			c.observeService(agentID, e, s.ActiveState == protocol.ServiceActive, now)
		case store.WatchProcess:
			p, reported := processes[e.Name]
			if !reported {
				continue
			}
			c.observeProcess(agentID, e, p.Running, now)
		}
	}
}

func (c *Controller) observeService(agentID string, e store.WatchlistEntry, healthy bool, now time.Time) {
	key := watchKey(agentID, e.Kind, e.Name)

	if healthy {
		c.recover(agentID, e.Name, key)
		return
	}

	if !e.AutoRestart {
		if c.tracker.MarkDown(key, now) {
			c.raiseAlert(agentID, store.AlertServiceOffline, e.Name,
				fmt.Sprintf("service %s is down", e.Name), eventbus.AlertRaised)
		}
		return
	}

	switch c.tracker.ObserveUnhealthy(key, now) {
	case DecisionRestart:
		c.logger.Info("auto-restarting service", "agent_id", agentID, "service", e.Name)
		go c.restart(agentID, e.Name)
	case DecisionEscalate:
		c.logger.Warn("service restarts exhausted", "agent_id", agentID, "service", e.Name)
		c.raiseAlert(agentID, store.AlertEscalated, e.Name,
			fmt.Sprintf("service %s still down after automatic restarts", e.Name), eventbus.AlertEscalation)
	}
}

func (c *Controller) observeProcess(agentID string, e store.WatchlistEntry, running bool, now time.Time) {
	key := watchKey(agentID, e.Kind, e.Name)

	if running {
		c.recover(agentID, e.Name, key)
		return
	}
	if c.tracker.MarkDown(key, now) {
		c.raiseAlert(agentID, store.AlertProcessOffline, e.Name,
			fmt.Sprintf("process %s is not running", e.Name), eventbus.AlertRaised)
	}
}

func (c *Controller) recover(agentID, name, key string) {
	recovered, wasEscalated := c.tracker.ObserveHealthy(key)
	if !recovered {
		return
	}
	c.logger.Info("watched entity recovered", "agent_id", agentID, "name", name)
	if wasEscalated {
		c.raiseAlert(agentID, store.AlertRecoveredKind, name,
			fmt.Sprintf("%s recovered", name), eventbus.AlertRecovered)
	}
}

// restart runs one restart command with its own deadline. It runs off
// the dispatcher goroutine because the restart response arrives on the
// same connection the dispatcher is reading.
func (c *Controller) restart(agentID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.restartTimeout)
	defer cancel()

	res, err := c.cmds.RestartService(ctx, agentID, name)
	if err != nil {
		c.logger.Warn("restart command failed", "agent_id", agentID, "service", name, "error", err)
		return
	}
	if !res.OK {
		c.logger.Warn("restart rejected by agent", "agent_id", agentID, "service", name, "error", res.Error)
	}
}

func (c *Controller) raiseAlert(agentID, kind, subject, message, busType string) {
	ev := &store.AlertEvent{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Kind:      kind,
		Subject:   subject,
		Message:   message,
		CreatedAt: c.now(),
	}
	if err := c.store.AppendAlertEvent(context.Background(), ev); err != nil {
		c.logger.Warn("failed to persist alert", "kind", kind, "error", err)
	}
	c.bus.PublishType(busType, agentID, ev)
}

// StatusOf reports the recovery status of one watched entity.
func (c *Controller) StatusOf(agentID, kind, name string) Status {
	return c.tracker.StatusOf(watchKey(agentID, kind, name))
}

func watchKey(agentID, kind, name string) string {
	return agentID + "/" + kind + "/" + name
}
