// Package eventbus provides the in-process pub/sub channel that decouples
// the gateway, the recovery controller and the operator-facing notifiers.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	CommandRetry  = "command.retry"  // correlation sweep wants a frame re-sent
	CommandFailed = "command.failed" // request exhausted its retries

	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"

	AlertRaised     = "alert.raised"
	AlertEscalation = "alert.escalation"
	AlertRecovered  = "alert.recovered"

	BackupCompleted = "backup.completed"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Bus is a fan-out pub/sub event bus. Subscribers receive events on a
// buffered channel. Publish never blocks: a subscriber whose buffer is
// full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // channel → subscribed types (nil = all)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a buffered channel receiving events of the given
// types, or every event when no types are given.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// PublishType marshals data and publishes it under the given type.
func (b *Bus) PublishType(eventType, agentID string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Close unsubscribes everyone and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
