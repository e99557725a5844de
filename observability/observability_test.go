package observability

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RequestsSent.Inc()
	m.RequestsSent.Inc()
	m.BytesSent.Add(128)
	m.Responses.Inc()
	m.ObserveLatency(40 * time.Millisecond)

	snap := m.Snapshot()
	if snap.RequestsSent != 2 || snap.BytesSent != 128 || snap.Responses != 1 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if snap.LatencyCount != 1 || snap.LatencySum <= 0 {
		t.Fatalf("latency snapshot mismatch: count=%d sum=%f", snap.LatencyCount, snap.LatencySum)
	}
}

func TestMetricsAreSessionScoped(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.RequestsSent.Inc()
	if snap := b.Snapshot(); snap.RequestsSent != 0 {
		t.Fatalf("registries must be independent, got %d", snap.RequestsSent)
	}
}

func TestHooksRunSequentiallyPerEmission(t *testing.T) {
	bus := NewHookBus(NewLogger(io.Discard))
	var order []int
	bus.Register(HookPreSendRequest, func(ctx context.Context, ev Event) {
		order = append(order, 1)
	})
	bus.Register(HookPreSendRequest, func(ctx context.Context, ev Event) {
		order = append(order, 2)
	})

	bus.Emit(context.Background(), HookPreSendRequest, map[string]any{"payload_type": uint32(2100)})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("hook order mismatch: %v", order)
	}
}

func TestHookPanicIsRecovered(t *testing.T) {
	bus := NewHookBus(NewLogger(io.Discard))
	bus.Register(HookPostResponse, func(ctx context.Context, ev Event) {
		panic("hook gone wrong")
	})
	called := false
	bus.Register(HookPostResponse, func(ctx context.Context, ev Event) {
		called = true
	})

	bus.Emit(context.Background(), HookPostResponse, nil)
	if !called {
		t.Fatal("panicking hook must not stop later hooks")
	}
}
