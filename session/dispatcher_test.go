package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/tradelink/observability"
	"github.com/danmuck/tradelink/protocol/envelope"
	"github.com/danmuck/tradelink/protocol/schema"
)

func spotEnvelope(symbolID, bid int64) envelope.Envelope {
	ev := schema.SpotEvent{SymbolID: symbolID, Bid: bid, HasBid: true, TimestampMillis: bid}
	return envelope.Envelope{PayloadType: schema.TypeSpotEvent, Payload: ev.Encode()}
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := newDeliveryQueue(10, PolicyDropOldest, nil, observability.NewMetrics())
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := q.push(ctx, spotEnvelope(1, i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := int64(1); i <= 5; i++ {
		env, err := q.pop(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		ev, err := schema.DecodeSpotEvent(env.Payload)
		if err != nil || ev.Bid != i {
			t.Fatalf("order broken at %d: bid=%d err=%v", i, ev.Bid, err)
		}
	}
}

func TestQueueDropOldest(t *testing.T) {
	q := newDeliveryQueue(3, PolicyDropOldest, nil, observability.NewMetrics())
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := q.push(ctx, spotEnvelope(1, i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	// The two oldest are gone; the remainder keeps order.
	for _, want := range []int64{3, 4, 5} {
		env, err := q.pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		ev, _ := schema.DecodeSpotEvent(env.Payload)
		if ev.Bid != want {
			t.Fatalf("expected bid %d, got %d", want, ev.Bid)
		}
	}
}

func TestQueueCoalesceLatestByKey(t *testing.T) {
	keyFn := func(env envelope.Envelope) (string, bool) {
		ev, err := schema.DecodeSpotEvent(env.Payload)
		if err != nil {
			return "", false
		}
		return string(rune(ev.SymbolID)), true
	}
	q := newDeliveryQueue(10, PolicyCoalesceLatest, keyFn, observability.NewMetrics())
	ctx := context.Background()

	_ = q.push(ctx, spotEnvelope(1, 100))
	_ = q.push(ctx, spotEnvelope(2, 200))
	_ = q.push(ctx, spotEnvelope(1, 101))
	_ = q.push(ctx, spotEnvelope(1, 102))

	env, _ := q.pop(ctx)
	ev, _ := schema.DecodeSpotEvent(env.Payload)
	if ev.SymbolID != 1 || ev.Bid != 102 {
		t.Fatalf("expected coalesced symbol 1 bid 102, got %+v", ev)
	}
	env, _ = q.pop(ctx)
	ev, _ = schema.DecodeSpotEvent(env.Payload)
	if ev.SymbolID != 2 || ev.Bid != 200 {
		t.Fatalf("expected symbol 2 bid 200, got %+v", ev)
	}
}

func TestQueueBlockPolicySuspendsProducer(t *testing.T) {
	q := newDeliveryQueue(1, PolicyBlock, nil, observability.NewMetrics())
	ctx := context.Background()

	if err := q.push(ctx, spotEnvelope(1, 1)); err != nil {
		t.Fatalf("push: %v", err)
	}

	pushed := make(chan error, 1)
	go func() { pushed <- q.push(ctx, spotEnvelope(1, 2)) }()

	select {
	case <-pushed:
		t.Fatal("push must block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.pop(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("blocked push: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked push not released")
	}
}

func TestQueueCloseEndsConsumer(t *testing.T) {
	q := newDeliveryQueue(4, PolicyDropOldest, nil, observability.NewMetrics())
	done := make(chan error, 1)
	go func() {
		_, err := q.pop(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not released by close")
	}
}

func TestClassifyTopics(t *testing.T) {
	spot := schema.SpotEvent{
		SymbolID: 42,
		Bid:      1,
		HasBid:   true,
		Trendbars: []schema.Trendbar{
			{Period: "M5"},
		},
	}
	keys := classify(envelope.Envelope{PayloadType: schema.TypeSpotEvent, Payload: spot.Encode()})
	if len(keys) != 2 || keys[0] != "ticks:42" || keys[1] != "candles:42:M5" {
		t.Fatalf("spot classification mismatch: %v", keys)
	}

	depth := schema.DepthEvent{SymbolID: 7}
	keys = classify(envelope.Envelope{PayloadType: schema.TypeDepthEvent, Payload: depth.Encode()})
	if len(keys) != 1 || keys[0] != "depth:7" {
		t.Fatalf("depth classification mismatch: %v", keys)
	}

	keys = classify(envelope.Envelope{PayloadType: schema.TypeExecutionEvent})
	if len(keys) != 1 || keys[0] != TopicExecution {
		t.Fatalf("execution classification mismatch: %v", keys)
	}

	if keys = classify(envelope.Envelope{PayloadType: 31337}); keys != nil {
		t.Fatalf("unknown type must be unroutable, got %v", keys)
	}
}

func TestDispatcherOrderingWithinTopic(t *testing.T) {
	metrics := observability.NewMetrics()
	d := newDispatcher(zerolog.Nop(), metrics)
	q := newDeliveryQueue(100, PolicyDropOldest, nil, metrics)
	d.attach([]string{TopicTicks(1)}, q)

	ctx := context.Background()
	for i := int64(1); i <= 20; i++ {
		d.dispatch(ctx, spotEnvelope(1, i))
	}

	for i := int64(1); i <= 20; i++ {
		env, err := q.pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		ev, _ := schema.DecodeSpotEvent(env.Payload)
		if ev.Bid != i {
			t.Fatalf("topic order broken: got %d want %d", ev.Bid, i)
		}
	}
}

func TestDispatcherUnroutedCountsAndDiscards(t *testing.T) {
	metrics := observability.NewMetrics()
	d := newDispatcher(zerolog.Nop(), metrics)
	d.dispatch(context.Background(), envelope.Envelope{PayloadType: 99999})
	if snap := metrics.Snapshot(); snap.InboundUnrouted != 1 {
		t.Fatalf("expected 1 unrouted envelope, got %d", snap.InboundUnrouted)
	}
}
