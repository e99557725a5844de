package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/tradelink/observability"
	"github.com/danmuck/tradelink/protocol/envelope"
	"github.com/danmuck/tradelink/protocol/schema"
)

// Policy selects what a bounded delivery queue does when it is full.
type Policy int

const (
	// PolicyBlock suspends delivery, and therefore the inbound loop, until
	// space frees up. Never use it for high-volume streams.
	PolicyBlock Policy = iota
	// PolicyDropOldest evicts the head and enqueues the new item.
	PolicyDropOldest
	// PolicyCoalesceLatest replaces any queued item sharing the same
	// coalescing key with the new one.
	PolicyCoalesceLatest
)

// CoalesceKeyFunc computes the coalescing key for an envelope. Returning
// false enqueues the item without coalescing.
type CoalesceKeyFunc func(env envelope.Envelope) (string, bool)

// Well-known topic keys.
const (
	TopicExecution = "execution"
	TopicOrphan    = "orphan"
	TopicRefresh   = "refresh"
)

func TopicTicks(symbolID int64) string { return "ticks:" + strconv.FormatInt(symbolID, 10) }
func TopicDepth(symbolID int64) string { return "depth:" + strconv.FormatInt(symbolID, 10) }
func TopicCandles(symbolID int64, period string) string {
	return fmt.Sprintf("candles:%d:%s", symbolID, period)
}

type queueItem struct {
	env envelope.Envelope
	key string
}

// deliveryQueue is one bounded subscriber queue. Single producer (the
// process loop) and single consumer (the stream) by construction.
type deliveryQueue struct {
	metrics *observability.Metrics

	mu       sync.Mutex
	items    []queueItem
	max      int
	policy   Policy
	keyFn    CoalesceKeyFunc
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newDeliveryQueue(size int, policy Policy, keyFn CoalesceKeyFunc, metrics *observability.Metrics) *deliveryQueue {
	if size <= 0 {
		size = 1
	}
	return &deliveryQueue{
		metrics:  metrics,
		items:    make([]queueItem, 0, size),
		max:      size,
		policy:   policy,
		keyFn:    keyFn,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) push(ctx context.Context, env envelope.Envelope) error {
	q.mu.Lock()
	for q.policy == PolicyBlock && !q.closed && len(q.items) >= q.max {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notFull:
		}
		q.mu.Lock()
	}
	if q.closed {
		q.mu.Unlock()
		return nil
	}

	item := queueItem{env: env}
	if q.policy == PolicyCoalesceLatest && q.keyFn != nil {
		if key, ok := q.keyFn(env); ok {
			item.key = key
			for i := range q.items {
				if q.items[i].key == key {
					q.items[i] = item
					q.mu.Unlock()
					return nil
				}
			}
		}
	}

	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.metrics.TickDropped.Inc()
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	signal(q.notEmpty)
	return nil
}

func (q *deliveryQueue) pop(ctx context.Context) (envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			signal(q.notFull)
			return item.env, nil
		}
		if q.closed {
			q.mu.Unlock()
			return envelope.Envelope{}, ErrStreamClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		case <-q.notEmpty:
		}
	}
}

func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.notEmpty)
	signal(q.notFull)
}

// dispatcher routes uncorrelated inbound envelopes to topic subscribers in
// transport receive order.
type dispatcher struct {
	log     zerolog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	topics map[string][]*deliveryQueue
}

func newDispatcher(log zerolog.Logger, metrics *observability.Metrics) *dispatcher {
	return &dispatcher{
		log:     log.With().Str("component", "dispatcher").Logger(),
		metrics: metrics,
		topics:  make(map[string][]*deliveryQueue),
	}
}

func (d *dispatcher) attach(topics []string, q *deliveryQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range topics {
		d.topics[topic] = append(d.topics[topic], q)
	}
}

func (d *dispatcher) detach(q *deliveryQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for topic, queues := range d.topics {
		kept := queues[:0]
		for _, existing := range queues {
			if existing != q {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(d.topics, topic)
			continue
		}
		d.topics[topic] = kept
	}
}

// publish offers env to every subscriber of one topic.
func (d *dispatcher) publish(ctx context.Context, topic string, env envelope.Envelope) {
	d.mu.RLock()
	queues := append([]*deliveryQueue(nil), d.topics[topic]...)
	d.mu.RUnlock()

	for _, q := range queues {
		if err := q.push(ctx, env); err != nil {
			return
		}
	}
}

// dispatch classifies env into topic keys and publishes it to each. An
// envelope matching no topic counts as unrouted and is discarded.
func (d *dispatcher) dispatch(ctx context.Context, env envelope.Envelope) {
	keys := classify(env)
	if len(keys) == 0 {
		d.metrics.InboundUnrouted.Inc()
		return
	}
	for _, key := range keys {
		d.publish(ctx, key, env)
	}
}

// classify is a pure function of the payload-type tag and a few well-known
// payload fields. Malformed payloads of known types classify as unroutable.
func classify(env envelope.Envelope) []string {
	switch env.PayloadType {
	case schema.TypeSpotEvent:
		ev, err := schema.DecodeSpotEvent(env.Payload)
		if err != nil {
			return nil
		}
		keys := []string{TopicTicks(ev.SymbolID)}
		for _, bar := range ev.Trendbars {
			keys = append(keys, TopicCandles(ev.SymbolID, bar.Period))
		}
		return keys
	case schema.TypeDepthEvent:
		ev, err := schema.DecodeDepthEvent(env.Payload)
		if err != nil {
			return nil
		}
		return []string{TopicDepth(ev.SymbolID)}
	case schema.TypeExecutionEvent:
		return []string{TopicExecution}
	case schema.TypeSymbolsListRes, schema.TypeTraderRes, schema.TypeReconcileRes:
		return []string{TopicRefresh}
	default:
		return nil
	}
}
