package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

type fakeRestarter struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (f *fakeRestarter) RestartService(ctx context.Context, agentID, name string) (*protocol.RestartResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID+"/"+name)
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
	return &protocol.RestartResult{Name: name, OK: true}, nil
}

func (f *fakeRestarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type controllerFixture struct {
	ctrl      *Controller
	store     store.Store
	restarter *fakeRestarter
	bus       *eventbus.Bus
	clock     time.Time
	mu        sync.Mutex
}

func setupController(t *testing.T) *controllerFixture {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	fix := &controllerFixture{
		store:     st,
		restarter: &fakeRestarter{done: make(chan struct{}, 1)},
		bus:       bus,
		clock:     time.Unix(1000, 0),
	}
	fix.ctrl = NewController(slog.Default(), st, fix.restarter, bus, Options{
		MaxAttempts: 3,
		Cooldown:    20 * time.Second,
	})
	fix.ctrl.now = func() time.Time {
		fix.mu.Lock()
		defer fix.mu.Unlock()
		return fix.clock
	}
	return fix
}

func (fix *controllerFixture) advanceTo(t *testing.T, sec int) {
	t.Helper()
	fix.mu.Lock()
	fix.clock = time.Unix(1000, 0).Add(time.Duration(sec) * time.Second)
	fix.mu.Unlock()
}

func (fix *controllerFixture) watch(t *testing.T, agentID, kind, name string, autoRestart bool) {
	t.Helper()
	ctx := context.Background()
	if err := fix.store.UpsertAgent(ctx, &store.Agent{ID: agentID, LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := fix.store.UpsertWatchlistEntry(ctx, &store.WatchlistEntry{
		ID: uuid.New().String(), AgentID: agentID, Kind: kind, Name: name, AutoRestart: autoRestart,
	}); err != nil {
		t.Fatal(err)
	}
}

func (fix *controllerFixture) report(t *testing.T, agentID string, m protocol.WatchlistMetrics) {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	fix.ctrl.HandleWatchlistMetrics(agentID, raw)
}

func (fix *controllerFixture) waitRestart(t *testing.T) {
	t.Helper()
	select {
	case <-fix.restarter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a restart call")
	}
}

func serviceDown(name string) protocol.WatchlistMetrics {
	return protocol.WatchlistMetrics{
		Services: []protocol.WatchedService{{Name: name, ActiveState: "failed"}},
	}
}

func serviceUp(name string) protocol.WatchlistMetrics {
	return protocol.WatchlistMetrics{
		Services: []protocol.WatchedService{{Name: name, ActiveState: protocol.ServiceActive}},
	}
}

func alertKinds(t *testing.T, s store.Store) []string {
	t.Helper()
	events, err := s.ListAlertEvents(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestAutoRestartThenEscalate(t *testing.T) {
	fix := setupController(t)
	fix.watch(t, "srv-1", store.WatchService, "nginx", true)

	escalations := fix.bus.Subscribe(eventbus.AlertEscalation)

	// Three failing reports spaced past the cooldown: three restarts.
	for i, sec := range []int{0, 21, 42} {
		fix.advanceTo(t, sec)
		fix.report(t, "srv-1", serviceDown("nginx"))
		fix.waitRestart(t)
		if got := fix.restarter.count(); got != i+1 {
			t.Fatalf("after report %d: %d restarts, want %d", i, got, i+1)
		}
	}

	// Reports inside the cooldown do nothing.
	fix.advanceTo(t, 50)
	fix.report(t, "srv-1", serviceDown("nginx"))
	if got := fix.restarter.count(); got != 3 {
		t.Fatalf("cooldown report triggered restart: %d", got)
	}

	// Attempts exhausted: escalate exactly once.
	fix.advanceTo(t, 63)
	fix.report(t, "srv-1", serviceDown("nginx"))
	fix.advanceTo(t, 90)
	fix.report(t, "srv-1", serviceDown("nginx"))

	select {
	case ev := <-escalations:
		if ev.AgentID != "srv-1" {
			t.Errorf("escalation for %s, want srv-1", ev.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("no escalation event")
	}
	select {
	case <-escalations:
		t.Fatal("escalation raised twice")
	case <-time.After(50 * time.Millisecond):
	}

	kinds := alertKinds(t, fix.store)
	if len(kinds) != 1 || kinds[0] != store.AlertEscalated {
		t.Errorf("alert events = %v, want one escalation", kinds)
	}
	if got := fix.restarter.count(); got != 3 {
		t.Errorf("restarts = %d, want 3", got)
	}

	if s := fix.ctrl.StatusOf("srv-1", store.WatchService, "nginx"); s != StatusEscalated {
		t.Errorf("status = %s, want escalated", s)
	}
}

func TestRecoveryAfterEscalationAlerts(t *testing.T) {
	fix := setupController(t)
	fix.watch(t, "srv-1", store.WatchService, "nginx", true)

	for _, sec := range []int{0, 21, 42} {
		fix.advanceTo(t, sec)
		fix.report(t, "srv-1", serviceDown("nginx"))
		fix.waitRestart(t)
	}
	fix.advanceTo(t, 63)
	fix.report(t, "srv-1", serviceDown("nginx"))

	// Service comes back.
	fix.advanceTo(t, 80)
	fix.report(t, "srv-1", serviceUp("nginx"))

	kinds := alertKinds(t, fix.store)
	// Newest first: recovered, then escalation.
	if len(kinds) != 2 || kinds[0] != store.AlertRecoveredKind || kinds[1] != store.AlertEscalated {
		t.Fatalf("alert events = %v, want [recovered escalation]", kinds)
	}
	if s := fix.ctrl.StatusOf("srv-1", store.WatchService, "nginx"); s != StatusHealthy {
		t.Errorf("status = %s, want healthy", s)
	}

	// A later outage starts a fresh attempt cycle.
	fix.advanceTo(t, 120)
	fix.report(t, "srv-1", serviceDown("nginx"))
	fix.waitRestart(t)
	if got := fix.restarter.count(); got != 4 {
		t.Errorf("restarts = %d, want 4", got)
	}
}

func TestRecoveryBeforeEscalationIsSilent(t *testing.T) {
	fix := setupController(t)
	fix.watch(t, "srv-1", store.WatchService, "nginx", true)

	fix.advanceTo(t, 0)
	fix.report(t, "srv-1", serviceDown("nginx"))
	fix.waitRestart(t)

	fix.advanceTo(t, 10)
	fix.report(t, "srv-1", serviceUp("nginx"))

	if kinds := alertKinds(t, fix.store); len(kinds) != 0 {
		t.Errorf("alert events = %v, want none", kinds)
	}
}

func TestServiceWithoutAutoRestartAlertsOnce(t *testing.T) {
	fix := setupController(t)
	fix.watch(t, "srv-1", store.WatchService, "postgres", false)

	fix.advanceTo(t, 0)
	fix.report(t, "srv-1", serviceDown("postgres"))
	fix.advanceTo(t, 30)
	fix.report(t, "srv-1", serviceDown("postgres"))

	if got := fix.restarter.count(); got != 0 {
		t.Errorf("restarts = %d, want 0", got)
	}
	kinds := alertKinds(t, fix.store)
	if len(kinds) != 1 || kinds[0] != store.AlertServiceOffline {
		t.Errorf("alert events = %v, want one service-offline", kinds)
	}
}

func TestProcessDownAlertsOnce(t *testing.T) {
	fix := setupController(t)
	fix.watch(t, "srv-1", store.WatchProcess, "cron", false)

	down := protocol.WatchlistMetrics{
		Processes: []protocol.WatchedProcess{{Name: "cron", Running: false}},
	}
	fix.advanceTo(t, 0)
	fix.report(t, "srv-1", down)
	fix.advanceTo(t, 30)
	fix.report(t, "srv-1", down)

	kinds := alertKinds(t, fix.store)
	if len(kinds) != 1 || kinds[0] != store.AlertProcessOffline {
		t.Fatalf("alert events = %v, want one process-offline", kinds)
	}

	// Recovery then a new outage alerts again.
	fix.report(t, "srv-1", protocol.WatchlistMetrics{
		Processes: []protocol.WatchedProcess{{Name: "cron", Running: true, PID: 42}},
	})
	fix.advanceTo(t, 60)
	fix.report(t, "srv-1", down)

	kinds = alertKinds(t, fix.store)
	if len(kinds) != 3 {
		t.Errorf("alert events = %v, want 3 (offline, recovered, offline)", kinds)
	}
}

func TestUnwatchedServicesIgnored(t *testing.T) {
	fix := setupController(t)
	fix.watch(t, "srv-1", store.WatchService, "nginx", true)

	// Report about a service nobody watches.
	fix.advanceTo(t, 0)
	fix.report(t, "srv-1", serviceDown("random-unit"))

	if got := fix.restarter.count(); got != 0 {
		t.Errorf("restarts = %d, want 0", got)
	}
	if kinds := alertKinds(t, fix.store); len(kinds) != 0 {
		t.Errorf("alert events = %v, want none", kinds)
	}
}
