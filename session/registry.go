package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/tradelink/protocol/envelope"
)

// Requester is the request capability handed to resubscribe recipes.
type Requester interface {
	SendRequest(ctx context.Context, payloadType uint32, payload []byte) ([]byte, error)
}

// Recipe re-creates a subscription on a fresh authenticated session. A nil
// Subscribe means the stream needs no explicit arming (execution events).
type Recipe struct {
	Subscribe   func(ctx context.Context, rt Requester) error
	Unsubscribe func(ctx context.Context, rt Requester) error
}

// Subscription is one live topic subscription. The registry holds the only
// owning reference; streams hold a capability back to it.
type Subscription struct {
	id     uint64
	topics []string
	queue  *deliveryQueue
	recipe Recipe

	mu    sync.Mutex
	alive bool

	reg *registry
}

// Pop blocks for the next delivered envelope. Returns ErrStreamClosed once
// the subscription is closed; during a reconnect it simply waits.
func (s *Subscription) Pop(ctx context.Context) (envelope.Envelope, error) {
	return s.queue.pop(ctx)
}

func (s *Subscription) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Close tears the subscription down: it leaves the registry, its queue ends,
// and the unsubscribe request goes out best-effort. Idempotent.
func (s *Subscription) Close(ctx context.Context, rt Requester) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	s.mu.Unlock()

	s.reg.remove(s)
	if s.recipe.Unsubscribe != nil && rt != nil {
		if err := s.recipe.Unsubscribe(ctx, rt); err != nil {
			s.reg.log.Warn().Err(err).Strs("topics", s.topics).Msg("unsubscribe failed")
		}
	}
}

func (s *Subscription) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// registry tracks every live subscription so they survive reconnects.
type registry struct {
	log  zerolog.Logger
	disp *dispatcher

	mu   sync.Mutex
	subs map[uint64]*Subscription
	next uint64
}

func newRegistry(log zerolog.Logger, disp *dispatcher) *registry {
	return &registry{
		log:  log.With().Str("component", "registry").Logger(),
		disp: disp,
		subs: make(map[uint64]*Subscription),
	}
}

func (r *registry) add(topics []string, q *deliveryQueue, recipe Recipe) *Subscription {
	r.mu.Lock()
	r.next++
	sub := &Subscription{
		id:     r.next,
		topics: append([]string(nil), topics...),
		queue:  q,
		recipe: recipe,
		alive:  true,
		reg:    r,
	}
	r.subs[sub.id] = sub
	r.mu.Unlock()

	r.disp.attach(sub.topics, q)
	return sub
}

func (r *registry) remove(sub *Subscription) {
	r.mu.Lock()
	delete(r.subs, sub.id)
	r.mu.Unlock()

	r.disp.detach(sub.queue)
	sub.queue.close()
}

// rearmAll re-issues every live subscription's recipe after a reconnect.
// Best-effort and per-subscription: one failure logs and moves on, and the
// consumer side sees a gap rather than an end-of-stream.
func (r *registry) rearmAll(ctx context.Context, rt Requester) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if !sub.isAlive() || sub.recipe.Subscribe == nil {
			continue
		}
		if err := sub.recipe.Subscribe(ctx, rt); err != nil {
			r.log.Warn().Err(err).Strs("topics", sub.topics).Msg("resubscribe failed")
		}
	}
}

// closeAll ends every subscription with end-of-stream. Used on disconnect
// and on fatal auth failure.
func (r *registry) closeAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[uint64]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.alive = false
		sub.mu.Unlock()
		r.disp.detach(sub.queue)
		sub.queue.close()
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
