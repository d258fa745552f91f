package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// SendFunc delivers a frame to an agent. The correlation manager uses
// it for retries so it never depends on the registry directly.
type SendFunc func(agentID string, f protocol.Frame) error

// CorrelationOptions tunes the request lifecycle.
type CorrelationOptions struct {
	Timeout       time.Duration // per-request deadline
	RetryInterval time.Duration // delay between re-sends
	MaxRetries    int           // re-sends before giving up
	SweepInterval time.Duration // how often the sweeper wakes
}

func (o *CorrelationOptions) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
}

type result struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one in-flight request awaiting its response.
type pendingRequest struct {
	id        int64
	agentID   string
	frame     protocol.Frame // kept verbatim so retries reuse the same id
	deadline  time.Time
	nextRetry time.Time
	retries   int
	done      chan result // buffered; exactly one send ever happens
}

// Correlator matches responses to in-flight requests by numeric id and
// drives the retry and timeout lifecycle with a periodic sweep.
type Correlator struct {
	logger *slog.Logger
	bus    *eventbus.Bus
	send   SendFunc
	opts   CorrelationOptions

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
}

// NewCorrelator creates a correlator. Call Run to start the sweeper.
func NewCorrelator(logger *slog.Logger, bus *eventbus.Bus, send SendFunc, opts CorrelationOptions) *Correlator {
	opts.applyDefaults()
	return &Correlator{
		logger:  logger.With("component", "correlator"),
		bus:     bus,
		send:    send,
		opts:    opts,
		pending: make(map[int64]*pendingRequest),
	}
}

// NextID returns the next message id. IDs are monotonic starting at 1
// and shared across all agents.
func (c *Correlator) NextID() int64 {
	return c.nextID.Add(1)
}

// Track registers a request frame as pending and returns its id. The
// frame must already carry an id from NextID. The caller still has to
// perform the initial send.
func (c *Correlator) Track(agentID string, f protocol.Frame) int64 {
	now := time.Now()
	p := &pendingRequest{
		id:        f.ID,
		agentID:   agentID,
		frame:     f,
		deadline:  now.Add(c.opts.Timeout),
		nextRetry: now.Add(c.opts.RetryInterval),
		done:      make(chan result, 1),
	}
	c.mu.Lock()
	c.pending[f.ID] = p
	c.mu.Unlock()
	return f.ID
}

// Await blocks until the request resolves, fails, or ctx is done. On
// ctx cancellation the request is failed with ErrTimeout; if a response
// won the race the response is returned instead.
func (c *Correlator) Await(ctx context.Context, id int64) (json.RawMessage, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case res := <-p.done:
		return res.payload, res.err
	case <-ctx.Done():
		c.Fail(id, ErrTimeout)
		res := <-p.done
		return res.payload, res.err
	}
}

// Resolve delivers a response payload to the pending request with the
// given id. It returns ErrNotFound when no such request exists, which
// covers late responses that already timed out.
func (c *Correlator) Resolve(id int64, payload json.RawMessage) error {
	p, ok := c.remove(id)
	if !ok {
		return ErrNotFound
	}
	p.done <- result{payload: payload}
	return nil
}

// Fail terminates the pending request with an error. Safe to call
// after Resolve; the loser of the race is a no-op.
func (c *Correlator) Fail(id int64, err error) {
	p, ok := c.remove(id)
	if !ok {
		return
	}
	p.done <- result{err: err}
	c.bus.PublishType(eventbus.CommandFailed, p.agentID, map[string]any{
		"id":     p.id,
		"action": p.frame.Action,
		"error":  err.Error(),
	})
}

// FailAgent terminates every pending request addressed to an agent.
// The dispatcher calls it when the agent's connection drops.
func (c *Correlator) FailAgent(agentID string, err error) {
	c.mu.Lock()
	var victims []*pendingRequest
	for id, p := range c.pending {
		if p.agentID == agentID {
			delete(c.pending, id)
			victims = append(victims, p)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.done <- result{err: err}
		c.bus.PublishType(eventbus.CommandFailed, agentID, map[string]any{
			"id":     p.id,
			"action": p.frame.Action,
			"error":  err.Error(),
		})
	}
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// remove takes the request out of the pending map. Only the caller
// that got ok=true may send on done; this gives at-most-once delivery.
func (c *Correlator) remove(id int64) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

// Run drives the sweeper until ctx is done.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweepSafe(now)
		}
	}
}

// sweepSafe keeps a panic in one iteration from killing the sweeper.
func (c *Correlator) sweepSafe(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sweep panic recovered", "panic", r)
		}
	}()
	c.sweep(now)
}

// sweep walks the pending map once: expired requests fail with
// ErrTimeout, due retries are re-sent with their original id, and
// requests out of retries fail with ErrMaxRetries.
func (c *Correlator) sweep(now time.Time) {
	type resend struct {
		p       *pendingRequest
		attempt int
	}

	var expired, exhausted []*pendingRequest
	var resends []resend

	c.mu.Lock()
	for id, p := range c.pending {
		switch {
		case now.After(p.deadline):
			delete(c.pending, id)
			expired = append(expired, p)
		case now.After(p.nextRetry) || now.Equal(p.nextRetry):
			if p.retries >= c.opts.MaxRetries {
				delete(c.pending, id)
				exhausted = append(exhausted, p)
				continue
			}
			p.retries++
			p.nextRetry = now.Add(c.opts.RetryInterval)
			resends = append(resends, resend{p: p, attempt: p.retries})
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		c.logger.Warn("command timed out", "id", p.id, "agent_id", p.agentID, "action", p.frame.Action)
		p.done <- result{err: ErrTimeout}
		c.bus.PublishType(eventbus.CommandFailed, p.agentID, map[string]any{
			"id": p.id, "action": p.frame.Action, "error": ErrTimeout.Error(),
		})
	}

	for _, p := range exhausted {
		c.logger.Warn("command exhausted retries", "id", p.id, "agent_id", p.agentID,
			"action", p.frame.Action, "retries", p.retries)
		p.done <- result{err: ErrMaxRetries}
		c.bus.PublishType(eventbus.CommandFailed, p.agentID, map[string]any{
			"id": p.id, "action": p.frame.Action, "error": ErrMaxRetries.Error(),
		})
	}

	for _, rs := range resends {
		p := rs.p
		c.logger.Debug("retrying command", "id", p.id, "agent_id", p.agentID,
			"action", p.frame.Action, "attempt", rs.attempt)
		if err := c.send(p.agentID, p.frame); err != nil {
			// The agent vanished between the original send and now.
			c.Fail(p.id, ErrAgentOffline)
			continue
		}
		c.bus.PublishType(eventbus.CommandRetry, p.agentID, map[string]any{
			"id": p.id, "action": p.frame.Action, "attempt": rs.attempt,
		})
	}
}
