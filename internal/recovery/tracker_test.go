package recovery

import (
	"testing"
	"time"
)

func at(sec int) time.Time {
	return time.Unix(1000, 0).Add(time.Duration(sec) * time.Second)
}

func TestOutageLifecycle(t *testing.T) {
	tr := NewTracker(3, 20*time.Second)
	key := "srv-1/service/nginx"

	steps := []struct {
		sec  int
		want Decision
	}{
		{0, DecisionRestart},  // first failure, attempt 1
		{10, DecisionNone},    // inside cooldown
		{21, DecisionRestart}, // attempt 2
		{30, DecisionNone},
		{42, DecisionRestart}, // attempt 3
		{63, DecisionEscalate},
		{90, DecisionNone}, // escalated once, stays silent
		{120, DecisionNone},
	}
	for _, step := range steps {
		if got := tr.ObserveUnhealthy(key, at(step.sec)); got != step.want {
			t.Fatalf("t=%ds: decision = %d, want %d", step.sec, got, step.want)
		}
	}

	if s := tr.StatusOf(key); s != StatusEscalated {
		t.Errorf("status = %s, want escalated", s)
	}

	recovered, wasEscalated := tr.ObserveHealthy(key)
	if !recovered || !wasEscalated {
		t.Errorf("ObserveHealthy = (%t, %t), want (true, true)", recovered, wasEscalated)
	}
	if s := tr.StatusOf(key); s != StatusHealthy {
		t.Errorf("status after recovery = %s, want healthy", s)
	}

	// A fresh outage gets a full set of attempts again.
	if got := tr.ObserveUnhealthy(key, at(200)); got != DecisionRestart {
		t.Errorf("new outage decision = %d, want restart", got)
	}
}

func TestRecoveryBeforeEscalation(t *testing.T) {
	tr := NewTracker(3, 20*time.Second)
	key := "srv-1/service/redis"

	tr.ObserveUnhealthy(key, at(0))
	recovered, wasEscalated := tr.ObserveHealthy(key)
	if !recovered {
		t.Error("expected recovered=true after one attempt")
	}
	if wasEscalated {
		t.Error("expected wasEscalated=false before escalation")
	}
}

func TestObserveHealthyWhenAlreadyHealthy(t *testing.T) {
	tr := NewTracker(3, 20*time.Second)
	recovered, _ := tr.ObserveHealthy("srv-1/service/nginx")
	if recovered {
		t.Error("healthy entity reported as recovered")
	}
}

func TestMarkDownDedups(t *testing.T) {
	tr := NewTracker(3, 20*time.Second)
	key := "srv-1/process/cron"

	if !tr.MarkDown(key, at(0)) {
		t.Fatal("first MarkDown should return true")
	}
	if tr.MarkDown(key, at(30)) {
		t.Error("second MarkDown should return false")
	}

	recovered, wasEscalated := tr.ObserveHealthy(key)
	if !recovered || !wasEscalated {
		t.Errorf("ObserveHealthy = (%t, %t), want (true, true)", recovered, wasEscalated)
	}

	if !tr.MarkDown(key, at(60)) {
		t.Error("MarkDown after recovery should alert again")
	}
}

func TestIndependentKeys(t *testing.T) {
	tr := NewTracker(1, 20*time.Second)

	if got := tr.ObserveUnhealthy("srv-1/service/a", at(0)); got != DecisionRestart {
		t.Fatalf("key a: got %d", got)
	}
	if got := tr.ObserveUnhealthy("srv-1/service/b", at(0)); got != DecisionRestart {
		t.Fatalf("key b: got %d", got)
	}
}
