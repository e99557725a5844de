package observability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hook point names.
const (
	HookPreSendRequest   = "pre_send_request"
	HookPostSendRequest  = "post_send_request"
	HookPostResponse     = "post_response"
	HookReconnectAttempt = "reconnect.attempt"
	HookReconnectSuccess = "reconnect.success"
	HookReconnectFatal   = "reconnect.fatal"
	HookRawEnvelope      = "raw_envelope"
)

// Event is the payload handed to hooks.
type Event struct {
	Name   string
	Fields map[string]any
}

// Hook observes one hook point. Hooks run sequentially per emission; a panic
// is recovered and logged, never propagated.
type Hook func(ctx context.Context, ev Event)

// HookBus is the named hook registry.
type HookBus struct {
	log zerolog.Logger

	mu    sync.RWMutex
	hooks map[string][]Hook
}

func NewHookBus(log zerolog.Logger) *HookBus {
	return &HookBus{
		log:   log.With().Str("component", "hooks").Logger(),
		hooks: make(map[string][]Hook),
	}
}

func (b *HookBus) Register(name string, hook Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[name] = append(b.hooks[name], hook)
}

// Emit runs the hooks for name in the caller's goroutine. Request-path
// emissions use this form: a slow hook only delays its own request.
func (b *HookBus) Emit(ctx context.Context, name string, fields map[string]any) {
	b.mu.RLock()
	hooks := b.hooks[name]
	b.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	ev := Event{Name: name, Fields: fields}
	for _, hook := range hooks {
		b.safeCall(ctx, hook, ev)
	}
}

// EmitDetached runs the hooks on their own goroutine. The read loop uses this
// form so a slow hook can never stall inbound delivery.
func (b *HookBus) EmitDetached(ctx context.Context, name string, fields map[string]any) {
	b.mu.RLock()
	hooks := b.hooks[name]
	b.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	ev := Event{Name: name, Fields: fields}
	go func() {
		for _, hook := range hooks {
			b.safeCall(ctx, hook, ev)
		}
	}()
}

func (b *HookBus) safeCall(ctx context.Context, hook Hook, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("hook", ev.Name).Any("panic", r).Msg("hook panicked")
		}
	}()
	hook(ctx, ev)
}
