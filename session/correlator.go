package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/tradelink/observability"
)

// outcome is the single resolution of one pending request.
type outcome struct {
	payload []byte
	err     error
}

// pendingRequest is one in-flight correlated request. Exactly one outcome is
// ever delivered on done; whoever pops the entry from the map wins.
type pendingRequest struct {
	id          string
	payloadType uint32
	deadline    time.Time
	createdAt   time.Time
	done        chan outcome
	frame       *outbound
}

// correlator maps correlation id to pending response slot, with deadline
// housekeeping and cancellation.
type correlator struct {
	log     zerolog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelator(log zerolog.Logger, metrics *observability.Metrics) *correlator {
	return &correlator{
		log:     log.With().Str("component", "correlator").Logger(),
		metrics: metrics,
		pending: make(map[string]*pendingRequest),
	}
}

// register allocates a fresh correlation id and tracks the request until it
// is resolved exactly once.
func (c *correlator) register(payloadType uint32, deadline time.Time) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id string
	for {
		id = uuid.NewString()
		if _, exists := c.pending[id]; !exists {
			break
		}
	}

	pend := &pendingRequest{
		id:          id,
		payloadType: payloadType,
		deadline:    deadline,
		createdAt:   time.Now(),
		done:        make(chan outcome, 1),
	}
	c.pending[id] = pend
	return pend
}

// resolve pops the entry for id and delivers out. Returns false when no such
// entry is pending (late, cancelled, or duplicate response).
func (c *correlator) resolve(id string, out outcome) bool {
	c.mu.Lock()
	pend, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	pend.done <- out
	return true
}

// cancel removes the entry and, when the frame has not yet hit the wire,
// instructs the sender to drop it.
func (c *correlator) cancel(id string) bool {
	c.mu.Lock()
	pend, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if pend.frame != nil {
		pend.frame.cancelled.Store(true)
	}
	return true
}

// failAll resolves every pending entry with err. Used on transport loss and
// on session teardown.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pend := range pending {
		if pend.frame != nil {
			pend.frame.cancelled.Store(true)
		}
		pend.done <- outcome{err: err}
	}
	if len(pending) > 0 {
		c.log.Debug().Int("count", len(pending)).Err(err).Msg("failed pending requests")
	}
}

func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// run is the housekeeping loop: expired entries resolve with ErrTimeout
// within one tick even when no inbound traffic arrives.
func (c *correlator) run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.expireDue(now)
		}
	}
}

func (c *correlator) expireDue(now time.Time) {
	c.mu.Lock()
	var due []*pendingRequest
	for id, pend := range c.pending {
		if now.After(pend.deadline) {
			delete(c.pending, id)
			due = append(due, pend)
		}
	}
	c.mu.Unlock()

	for _, pend := range due {
		if pend.frame != nil {
			pend.frame.cancelled.Store(true)
		}
		c.metrics.RequestTimeouts.Inc()
		c.log.Warn().
			Str("correlation_id", pend.id).
			Uint32("payload_type", pend.payloadType).
			Dur("age", now.Sub(pend.createdAt)).
			Msg("request timed out")
		pend.done <- outcome{err: ErrTimeout}
	}
}
