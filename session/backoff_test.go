package session

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := ReconnectConfig{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
	if d := nextBackoffDelay(cfg, 1, nil); d != 500*time.Millisecond {
		t.Fatalf("attempt 1: got %v", d)
	}
	if d := nextBackoffDelay(cfg, 3, nil); d != 2*time.Second {
		t.Fatalf("attempt 3: got %v", d)
	}
	if d := nextBackoffDelay(cfg, 20, nil); d != 30*time.Second {
		t.Fatalf("attempt 20 must cap: got %v", d)
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	cfg := ReconnectConfig{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt <= 6; attempt++ {
		base := nextBackoffDelay(ReconnectConfig{
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
			Multiplier: cfg.Multiplier,
		}, attempt, nil)
		for i := 0; i < 100; i++ {
			d := nextBackoffDelay(cfg, attempt, rng)
			low := time.Duration(float64(base) * 0.8)
			high := time.Duration(float64(base) * 1.2)
			if d < low || d > high {
				t.Fatalf("attempt %d: %v outside [%v, %v]", attempt, d, low, high)
			}
		}
	}
}

func TestStateTransitions(t *testing.T) {
	m := newStateMachine()
	steps := []State{StateConnecting, StateAppAuthenticating, StateAccountAuthenticating, StateReady, StateReconnecting, StateAppAuthenticating, StateAccountAuthenticating, StateReady}
	for _, next := range steps {
		if !m.set(next) {
			t.Fatalf("transition to %v rejected from %v", next, m.Get())
		}
	}
	if !m.set(StateFatal) {
		t.Fatal("any state must reach fatal")
	}
	if m.set(StateConnecting) {
		t.Fatal("fatal is terminal")
	}
}

func TestWaitReadyFailsFastOnFatal(t *testing.T) {
	m := newStateMachine()
	m.set(StateFatal)
	if err := m.WaitReady(context.Background()); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
