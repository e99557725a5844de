package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/tradelink/protocol/envelope"
	"github.com/danmuck/tradelink/protocol/schema"
)

// heartbeatEngine keeps the connection warm: when nothing has been written
// for the idle interval it enqueues a keepalive. The keepalive goes through
// the shared rate bucket like every other frame.
type heartbeatEngine struct {
	log       zerolog.Logger
	idle      time.Duration
	lastWrite *atomic.Int64
	snd       *sender
}

func newHeartbeatEngine(cfg Config, snd *sender, log zerolog.Logger, lastWrite *atomic.Int64) *heartbeatEngine {
	return &heartbeatEngine{
		log:       log.With().Str("component", "heartbeat").Logger(),
		idle:      cfg.HeartbeatIdle,
		lastWrite: lastWrite,
		snd:       snd,
	}
}

func keepaliveFrame() (*outbound, error) {
	body, err := envelope.Envelope{PayloadType: schema.TypeHeartbeatEvent}.Encode()
	if err != nil {
		return nil, err
	}
	return newOutbound(body, "", true), nil
}

func (h *heartbeatEngine) run(ctx context.Context) error {
	tick := h.idle / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := time.Unix(0, h.lastWrite.Load())
			if time.Since(last) < h.idle {
				continue
			}
			ob, err := keepaliveFrame()
			if err != nil {
				return err
			}
			if err := h.snd.enqueue(ctx, ob); err != nil {
				return err
			}
			h.log.Debug().Msg("keepalive enqueued")
		}
	}
}
