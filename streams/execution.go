package streams

import (
	"context"
	"time"

	"github.com/danmuck/tradelink/protocol/schema"
	"github.com/danmuck/tradelink/session"
)

// ExecutionStream yields typed execution events. Execution events flow
// without an explicit subscribe, so the stream carries no resubscribe
// recipe; post-reconnect reconciliation is the supervisor's refresh pass.
type ExecutionStream struct {
	sess *session.Session
	sub  *session.Subscription
}

// OpenExecutions opens the execution event stream.
func OpenExecutions(ctx context.Context, sess *session.Session, queueSize int) (*ExecutionStream, error) {
	sub, err := sess.Subscribe(ctx, session.SubscribeOptions{
		Topics:    []string{session.TopicExecution},
		QueueSize: queueSize,
		Policy:    session.PolicyBlock,
	})
	if err != nil {
		return nil, err
	}
	return &ExecutionStream{sess: sess, sub: sub}, nil
}

// Next blocks for the next execution event.
func (e *ExecutionStream) Next(ctx context.Context) (Execution, error) {
	for {
		env, err := e.sub.Pop(ctx)
		if err != nil {
			return Execution{}, err
		}
		ev, err := schema.DecodeExecutionEvent(env.Payload)
		if err != nil {
			continue
		}
		return Execution{
			Type:       ev.ExecutionType,
			OrderID:    ev.OrderID,
			PositionID: ev.PositionID,
			DealID:     ev.DealID,
			SymbolID:   ev.SymbolID,
			Volume:     decimalFromVolume(ev.Volume),
			Price:      priceFromWire(ev.Price),
			Reason:     ev.Reason,
			Time:       time.UnixMilli(ev.TimestampMillis),
		}, nil
	}
}

// Close ends the stream and removes its subscription.
func (e *ExecutionStream) Close(ctx context.Context) {
	e.sub.Close(ctx, e.sess)
}
