// Package recovery restarts failed watchlist services and escalates
// when restarts stop helping.
package recovery

import (
	"sync"
	"time"
)

// Status is the recovery state of one watched entity.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusRetrying    Status = "retrying"
	StatusCoolingDown Status = "cooling-down"
	StatusEscalated   Status = "escalated"
)

// Decision is what the controller should do after an observation.
type Decision int

const (
	// DecisionNone means leave the entity alone for now.
	DecisionNone Decision = iota
	// DecisionRestart means issue a restart attempt.
	DecisionRestart
	// DecisionEscalate means restarts are exhausted; raise the alert.
	// Returned at most once per outage.
	DecisionEscalate
)

type entry struct {
	status      Status
	attempts    int
	lastAttempt time.Time
	escalated   bool
}

// Tracker holds per-entity restart state. It makes no calls of its
// own; the controller feeds it observations and acts on the decisions.
type Tracker struct {
	maxAttempts int
	cooldown    time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker creates a tracker.
func NewTracker(maxAttempts int, cooldown time.Duration) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if cooldown <= 0 {
		cooldown = 20 * time.Second
	}
	return &Tracker{
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
		entries:     make(map[string]*entry),
	}
}

// ObserveUnhealthy records that the entity was seen down at now and
// returns the action to take. Repeated reports during the cooldown
// window return DecisionNone; once attempts run out the first
// observation escalates and everything after is silent.
func (t *Tracker) ObserveUnhealthy(key string, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{status: StatusHealthy}
		t.entries[key] = e
	}

	if e.status == StatusEscalated {
		return DecisionNone
	}

	if e.attempts > 0 && now.Sub(e.lastAttempt) < t.cooldown {
		e.status = StatusCoolingDown
		return DecisionNone
	}

	if e.attempts >= t.maxAttempts {
		e.status = StatusEscalated
		e.escalated = true
		return DecisionEscalate
	}

	e.attempts++
	e.lastAttempt = now
	e.status = StatusRetrying
	return DecisionRestart
}

// MarkDown records a down entity that cannot be restarted. It returns
// true the first time per outage so the caller raises exactly one
// alert.
func (t *Tracker) MarkDown(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if ok && e.escalated {
		return false
	}
	t.entries[key] = &entry{status: StatusEscalated, escalated: true, lastAttempt: now}
	return true
}

// ObserveHealthy clears the entity's state. It reports whether the
// entity was in an outage at all, and whether that outage had been
// escalated.
func (t *Tracker) ObserveHealthy(key string) (recovered, wasEscalated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false, false
	}
	delete(t.entries, key)
	return true, e.escalated
}

// StatusOf returns the current status for an entity.
func (t *Tracker) StatusOf(key string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.status
	}
	return StatusHealthy
}
