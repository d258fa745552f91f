package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	u := &User{
		ID:           uuid.New().String(),
		Username:     "alice",
		PasswordHash: "hash",
		Role:         "admin",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != u.ID || got.Role != "admin" {
		t.Errorf("unexpected user: %+v", got)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing user")
	}
}

func TestAgentUpsertAndOnline(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a := &Agent{ID: "srv-1", Name: "web-1", Hostname: "web-1.internal", OS: "linux", Online: true, LastSeen: time.Now()}
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatal(err)
	}

	// Second upsert updates in place.
	a.Hostname = "web-1.prod.internal"
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	if agents[0].Hostname != "web-1.prod.internal" {
		t.Errorf("upsert did not update hostname: %q", agents[0].Hostname)
	}

	if err := s.SetAgentOnline(ctx, "srv-1", false); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAgent(ctx, "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Online {
		t.Error("expected agent offline")
	}

	if err := s.UpdateAgentMetrics(ctx, "srv-1", 42.5, 61.2, 80.0); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAgent(ctx, "srv-1")
	if got.CPUPercent != 42.5 || got.DiskPercent != 80.0 {
		t.Errorf("metrics not stored: %+v", got)
	}
}

func TestWatchlistUpsertIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, &Agent{ID: "srv-1", LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}

	e := &WatchlistEntry{ID: uuid.New().String(), AgentID: "srv-1", Kind: WatchService, Name: "nginx", AutoRestart: true}
	if err := s.UpsertWatchlistEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	// Same (agent, kind, name) with a new ID only flips auto_restart.
	e2 := &WatchlistEntry{ID: uuid.New().String(), AgentID: "srv-1", Kind: WatchService, Name: "nginx", AutoRestart: false}
	if err := s.UpsertWatchlistEntry(ctx, e2); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListWatchlist(ctx, "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].AutoRestart {
		t.Error("expected auto_restart updated to false")
	}
}

func TestBackupJobDue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, &Agent{ID: "srv-1", LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}

	j := &BackupJob{
		ID:          uuid.New().String(),
		AgentID:     "srv-1",
		Name:        "etc-backup",
		Paths:       []string{"/etc", "/var/lib"},
		Destination: "s3://backups",
		Interval:    24 * time.Hour,
		Status:      BackupIdle,
	}
	if err := s.CreateBackupJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetBackupJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Paths) != 2 || got.Interval != 24*time.Hour {
		t.Errorf("job round trip mismatch: %+v", got)
	}
	if !got.Due(time.Now()) {
		t.Error("never-run job should be due")
	}

	if err := s.UpdateBackupJobStatus(ctx, j.ID, BackupOK, "", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetBackupJob(ctx, j.ID)
	if got.Due(time.Now()) {
		t.Error("freshly run job should not be due")
	}
}

func TestAlertEventPurge(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	old := &AlertEvent{ID: uuid.New().String(), AgentID: "srv-1", Kind: AlertThreshold,
		Subject: "cpu", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &AlertEvent{ID: uuid.New().String(), AgentID: "srv-1", Kind: AlertEscalated,
		Subject: "nginx", CreatedAt: time.Now()}
	for _, e := range []*AlertEvent{old, fresh} {
		if err := s.AppendAlertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PurgeOldAlertEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	events, err := s.ListAlertEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != AlertEscalated {
		t.Errorf("unexpected remaining events: %+v", events)
	}
}
