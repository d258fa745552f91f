// Package alerts evaluates metric threshold rules against agent
// metric reports.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// Engine turns metric reports into threshold alerts. A rule fires once
// when it starts breaching and again only after it has recovered.
type Engine struct {
	logger *slog.Logger
	store  store.Store
	bus    *eventbus.Bus

	mu     sync.Mutex
	raised map[string]bool // rule id + agent id -> currently breaching
}

// NewEngine creates an engine.
func NewEngine(logger *slog.Logger, s store.Store, bus *eventbus.Bus) *Engine {
	return &Engine{
		logger: logger.With("component", "alerts"),
		store:  s,
		bus:    bus,
		raised: make(map[string]bool),
	}
}

// HandleMetrics is the event handler for metrics frames. It persists
// the snapshot and evaluates every applicable rule.
func (e *Engine) HandleMetrics(agentID string, payload json.RawMessage) {
	var m protocol.Metrics
	if err := json.Unmarshal(payload, &m); err != nil {
		e.logger.Warn("bad metrics payload", "agent_id", agentID, "error", err)
		return
	}

	ctx := context.Background()
	if err := e.store.UpdateAgentMetrics(ctx, agentID, m.CPUPercent, m.MemoryPercent, m.DiskPercent); err != nil {
		e.logger.Warn("failed to store metrics", "agent_id", agentID, "error", err)
	}

	rules, err := e.store.ListAlertRules(ctx)
	if err != nil {
		e.logger.Warn("list alert rules failed", "error", err)
		return
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.AgentID != "" && rule.AgentID != agentID {
			continue
		}
		value, ok := metricValue(m, rule.Metric)
		if !ok {
			e.logger.Warn("rule references unknown metric", "rule_id", rule.ID, "metric", rule.Metric)
			continue
		}
		e.evaluate(agentID, rule, value)
	}
}

func (e *Engine) evaluate(agentID string, rule store.AlertRule, value float64) {
	breaching := false
	switch rule.Operator {
	case ">=":
		breaching = value >= rule.Threshold
	case "<=":
		breaching = value <= rule.Threshold
	default:
		e.logger.Warn("rule has unknown operator", "rule_id", rule.ID, "operator", rule.Operator)
		return
	}

	key := rule.ID + "/" + agentID

	e.mu.Lock()
	was := e.raised[key]
	if breaching == was {
		e.mu.Unlock()
		return // no transition
	}
	e.raised[key] = breaching
	e.mu.Unlock()

	if breaching {
		e.logger.Warn("threshold breached", "agent_id", agentID, "metric", rule.Metric,
			"value", value, "threshold", rule.Threshold)
		e.record(agentID, store.AlertThreshold, rule.Metric,
			fmt.Sprintf("%s is %.1f, threshold %s %.1f", rule.Metric, value, rule.Operator, rule.Threshold),
			eventbus.AlertRaised)
		return
	}

	e.logger.Info("threshold recovered", "agent_id", agentID, "metric", rule.Metric, "value", value)
	e.record(agentID, store.AlertRecoveredKind, rule.Metric,
		fmt.Sprintf("%s back to %.1f", rule.Metric, value), eventbus.AlertRecovered)
}

func (e *Engine) record(agentID, kind, subject, message, busType string) {
	ev := &store.AlertEvent{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Kind:      kind,
		Subject:   subject,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := e.store.AppendAlertEvent(context.Background(), ev); err != nil {
		e.logger.Warn("failed to persist alert", "kind", kind, "error", err)
	}
	e.bus.PublishType(busType, agentID, ev)
}

// StartRetentionSweeper deletes alert events older than retention once
// an hour until ctx is done. A zero retention disables the sweeper.
func (e *Engine) StartRetentionSweeper(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := e.store.PurgeOldAlertEvents(ctx, time.Now().Add(-retention))
				if err != nil {
					e.logger.Warn("alert retention purge failed", "error", err)
					continue
				}
				if n > 0 {
					e.logger.Info("purged old alert events", "count", n)
				}
			}
		}
	}()
}

func metricValue(m protocol.Metrics, metric string) (float64, bool) {
	switch metric {
	case "cpu":
		return m.CPUPercent, true
	case "memory":
		return m.MemoryPercent, true
	case "disk":
		return m.DiskPercent, true
	}
	return 0, false
}
