package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

func setupEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	if err := st.UpsertAgent(context.Background(), &store.Agent{ID: "srv-1", LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return NewEngine(slog.Default(), st, bus), st
}

func addRule(t *testing.T, s store.Store, agentID, metric, op string, threshold float64) {
	t.Helper()
	if err := s.CreateAlertRule(context.Background(), &store.AlertRule{
		ID: uuid.New().String(), AgentID: agentID, Metric: metric,
		Operator: op, Threshold: threshold, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
}

func report(t *testing.T, e *Engine, agentID string, m protocol.Metrics) {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	e.HandleMetrics(agentID, raw)
}

func countKind(t *testing.T, s store.Store, kind string) int {
	t.Helper()
	events, err := s.ListAlertEvents(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestThresholdFiresOncePerBreach(t *testing.T) {
	e, st := setupEngine(t)
	addRule(t, st, "", "cpu", ">=", 90)

	report(t, e, "srv-1", protocol.Metrics{CPUPercent: 95})
	report(t, e, "srv-1", protocol.Metrics{CPUPercent: 97})
	report(t, e, "srv-1", protocol.Metrics{CPUPercent: 99})

	if n := countKind(t, st, store.AlertThreshold); n != 1 {
		t.Fatalf("threshold alerts = %d, want 1", n)
	}

	// Recovery, then a fresh breach alerts again.
	report(t, e, "srv-1", protocol.Metrics{CPUPercent: 40})
	report(t, e, "srv-1", protocol.Metrics{CPUPercent: 95})

	if n := countKind(t, st, store.AlertThreshold); n != 2 {
		t.Errorf("threshold alerts = %d, want 2", n)
	}
	if n := countKind(t, st, store.AlertRecoveredKind); n != 1 {
		t.Errorf("recovered alerts = %d, want 1", n)
	}
}

func TestRuleScopedToAgent(t *testing.T) {
	e, st := setupEngine(t)
	if err := st.UpsertAgent(context.Background(), &store.Agent{ID: "srv-2", LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}
	addRule(t, st, "srv-2", "disk", ">=", 80)

	report(t, e, "srv-1", protocol.Metrics{DiskPercent: 95})
	if n := countKind(t, st, store.AlertThreshold); n != 0 {
		t.Fatalf("rule for srv-2 fired for srv-1: %d alerts", n)
	}

	report(t, e, "srv-2", protocol.Metrics{DiskPercent: 95})
	if n := countKind(t, st, store.AlertThreshold); n != 1 {
		t.Errorf("threshold alerts = %d, want 1", n)
	}
}

func TestDisabledRuleIgnored(t *testing.T) {
	e, st := setupEngine(t)
	if err := st.CreateAlertRule(context.Background(), &store.AlertRule{
		ID: uuid.New().String(), Metric: "memory", Operator: ">=", Threshold: 50, Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}

	report(t, e, "srv-1", protocol.Metrics{MemoryPercent: 99})
	if n := countKind(t, st, store.AlertThreshold); n != 0 {
		t.Errorf("disabled rule fired: %d alerts", n)
	}
}

func TestMetricsPersisted(t *testing.T) {
	e, st := setupEngine(t)

	report(t, e, "srv-1", protocol.Metrics{CPUPercent: 12.5, MemoryPercent: 33, DiskPercent: 70})

	agent, err := st.GetAgent(context.Background(), "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.CPUPercent != 12.5 || agent.DiskPercent != 70 {
		t.Errorf("metrics not stored: %+v", agent)
	}
}

func TestLowWatermarkOperator(t *testing.T) {
	e, st := setupEngine(t)
	addRule(t, st, "", "memory", "<=", 10)

	report(t, e, "srv-1", protocol.Metrics{MemoryPercent: 5})
	if n := countKind(t, st, store.AlertThreshold); n != 1 {
		t.Errorf("threshold alerts = %d, want 1", n)
	}
}
