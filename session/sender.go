package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/tradelink/observability"
	"github.com/danmuck/tradelink/protocol/frame"
	"github.com/danmuck/tradelink/transport"
)

// outbound is one frame queued for the wire. A cancelled frame is discarded
// by the sender without ever touching the socket.
type outbound struct {
	body          []byte
	correlationID string
	heartbeat     bool

	cancelled atomic.Bool
	written   chan struct{}
}

func newOutbound(body []byte, correlationID string, heartbeat bool) *outbound {
	return &outbound{
		body:          body,
		correlationID: correlationID,
		heartbeat:     heartbeat,
		written:       make(chan struct{}),
	}
}

// sender is the single-writer outbound scheduler: a FIFO queue drained by a
// token bucket of RateLimitPerSecond tokens, refilled once per second.
// Heartbeats and auth frames share the bucket with everything else; the rate
// limit is a contract with the server.
type sender struct {
	log       zerolog.Logger
	metrics   *observability.Metrics
	conn      *transport.Conn
	queue     chan *outbound
	capacity  int
	lastWrite *atomic.Int64
}

func newSender(cfg Config, conn *transport.Conn, metrics *observability.Metrics, log zerolog.Logger, lastWrite *atomic.Int64) *sender {
	return &sender{
		log:       log.With().Str("component", "sender").Logger(),
		metrics:   metrics,
		conn:      conn,
		queue:     make(chan *outbound, cfg.SendQueueSize),
		capacity:  cfg.RateLimitPerSecond,
		lastWrite: lastWrite,
	}
}

// enqueue appends one frame to the FIFO. Blocks only when the queue is full.
func (s *sender) enqueue(ctx context.Context, ob *outbound) error {
	select {
	case s.queue <- ob:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.conn.Done():
		return ErrTransportLost
	}
}

// run drains the queue until the context ends or the socket dies. At most
// one socket write is outstanding at any time.
func (s *sender) run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	tokens := s.capacity
	for {
		if tokens == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				tokens = s.capacity
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tokens = s.capacity
		case ob := <-s.queue:
			if ob.cancelled.Load() {
				continue
			}
			tokens--
			if err := s.conn.WriteFrame(ob.body); err != nil {
				return err
			}
			s.lastWrite.Store(time.Now().UnixNano())
			s.metrics.BytesSent.Add(float64(len(ob.body) + frame.HeaderLen))
			if ob.heartbeat {
				s.metrics.HeartbeatsSent.Inc()
			} else if ob.correlationID != "" {
				s.metrics.RequestsSent.Inc()
			}
			close(ob.written)
		}
	}
}
