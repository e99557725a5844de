package streams

import (
	"context"
	"strconv"
	"time"

	"github.com/danmuck/tradelink/protocol/envelope"
	"github.com/danmuck/tradelink/protocol/schema"
	"github.com/danmuck/tradelink/session"
)

// TickOptions configures a tick stream.
type TickOptions struct {
	QueueSize int
	// CoalesceLatest keeps only the newest queued tick per symbol instead of
	// dropping the oldest under pressure.
	CoalesceLatest bool
}

// TickStream yields spot quote updates for one or more symbols over a single
// subscription. The iterator pauses across reconnects; it ends only when the
// stream is closed or the session dies for good.
type TickStream struct {
	sess *session.Session
	sub  *session.Subscription
}

// OpenTicks subscribes to spot events for symbolIDs and returns the stream.
func OpenTicks(ctx context.Context, sess *session.Session, accountID int64, symbolIDs []int64, opts TickOptions) (*TickStream, error) {
	ids := append([]int64(nil), symbolIDs...)
	topics := make([]string, 0, len(ids))
	for _, id := range ids {
		topics = append(topics, session.TopicTicks(id))
	}

	policy := session.PolicyDropOldest
	var keyFn session.CoalesceKeyFunc
	if opts.CoalesceLatest {
		policy = session.PolicyCoalesceLatest
		keyFn = coalesceBySymbol
	}

	sub, err := sess.Subscribe(ctx, session.SubscribeOptions{
		Topics:      topics,
		QueueSize:   opts.QueueSize,
		Policy:      policy,
		CoalesceKey: keyFn,
		Recipe: session.Recipe{
			Subscribe: func(ctx context.Context, rt session.Requester) error {
				req := schema.SubscribeSpotsReq{AccountID: accountID, SymbolIDs: ids}
				_, err := rt.SendRequest(ctx, schema.TypeSubscribeSpotsReq, req.Encode())
				return err
			},
			Unsubscribe: func(ctx context.Context, rt session.Requester) error {
				req := schema.UnsubscribeSpotsReq{AccountID: accountID, SymbolIDs: ids}
				_, err := rt.SendRequest(ctx, schema.TypeUnsubscribeSpotsReq, req.Encode())
				return err
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return &TickStream{sess: sess, sub: sub}, nil
}

func coalesceBySymbol(env envelope.Envelope) (string, bool) {
	ev, err := schema.DecodeSpotEvent(env.Payload)
	if err != nil {
		return "", false
	}
	return strconv.FormatInt(ev.SymbolID, 10), true
}

// Next blocks for the next tick. Returns session.ErrStreamClosed at
// end-of-stream.
func (t *TickStream) Next(ctx context.Context) (Tick, error) {
	for {
		env, err := t.sub.Pop(ctx)
		if err != nil {
			return Tick{}, err
		}
		ev, err := schema.DecodeSpotEvent(env.Payload)
		if err != nil {
			continue
		}
		return Tick{
			SymbolID: ev.SymbolID,
			Bid:      priceFromWire(ev.Bid),
			Ask:      priceFromWire(ev.Ask),
			HasBid:   ev.HasBid,
			HasAsk:   ev.HasAsk,
			Time:     time.UnixMilli(ev.TimestampMillis),
		}, nil
	}
}

// Close ends the stream and removes its subscription.
func (t *TickStream) Close(ctx context.Context) {
	t.sub.Close(ctx, t.sess)
}
