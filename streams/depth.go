package streams

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/tradelink/protocol/schema"
	"github.com/danmuck/tradelink/session"
)

// DepthStream reconstructs the order book for one symbol from incremental
// updates and yields a snapshot after each applied delta. The book rebuilds
// from scratch after a reconnect; no delta crosses a session boundary.
type DepthStream struct {
	sess     *session.Session
	sub      *session.Subscription
	symbolID int64

	mu   sync.Mutex
	bids map[uint64]schema.DepthQuote
	asks map[uint64]schema.DepthQuote
}

// OpenDepth subscribes to depth quotes for symbolID with the given book
// depth limit.
func OpenDepth(ctx context.Context, sess *session.Session, accountID, symbolID int64, depth uint32, queueSize int) (*DepthStream, error) {
	stream := &DepthStream{
		sess:     sess,
		symbolID: symbolID,
		bids:     make(map[uint64]schema.DepthQuote),
		asks:     make(map[uint64]schema.DepthQuote),
	}

	sub, err := sess.Subscribe(ctx, session.SubscribeOptions{
		Topics:    []string{session.TopicDepth(symbolID)},
		QueueSize: queueSize,
		Policy:    session.PolicyDropOldest,
		Recipe: session.Recipe{
			Subscribe: func(ctx context.Context, rt session.Requester) error {
				// Rearm starts a fresh book: stale levels from the previous
				// connection must never survive into the new one.
				stream.reset()
				req := schema.SubscribeDepthQuotesReq{AccountID: accountID, SymbolID: symbolID, Depth: depth}
				_, err := rt.SendRequest(ctx, schema.TypeSubscribeDepthQuotesReq, req.Encode())
				return err
			},
			Unsubscribe: func(ctx context.Context, rt session.Requester) error {
				req := schema.UnsubscribeDepthQuotesReq{AccountID: accountID, SymbolID: symbolID}
				_, err := rt.SendRequest(ctx, schema.TypeUnsubscribeDepthQuotesReq, req.Encode())
				return err
			},
		},
	})
	if err != nil {
		return nil, err
	}
	stream.sub = sub
	return stream, nil
}

func (d *DepthStream) reset() {
	d.mu.Lock()
	d.bids = make(map[uint64]schema.DepthQuote)
	d.asks = make(map[uint64]schema.DepthQuote)
	d.mu.Unlock()
}

// Next blocks for the next applied delta and returns the resulting snapshot.
func (d *DepthStream) Next(ctx context.Context) (DepthSnapshot, error) {
	for {
		env, err := d.sub.Pop(ctx)
		if err != nil {
			return DepthSnapshot{}, err
		}
		ev, err := schema.DecodeDepthEvent(env.Payload)
		if err != nil || ev.SymbolID != d.symbolID {
			continue
		}
		return d.apply(ev), nil
	}
}

func (d *DepthStream) apply(ev schema.DepthEvent) DepthSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, q := range ev.NewQuotes {
		if q.IsBid {
			d.bids[q.ID] = q
		} else {
			d.asks[q.ID] = q
		}
	}
	for _, id := range ev.DeletedQuoteIDs {
		delete(d.bids, id)
		delete(d.asks, id)
	}

	snapshot := DepthSnapshot{
		SymbolID: d.symbolID,
		Bids:     sortedLevels(d.bids, true),
		Asks:     sortedLevels(d.asks, false),
		Time:     time.UnixMilli(ev.TimestampMillis),
	}
	return snapshot
}

func sortedLevels(levels map[uint64]schema.DepthQuote, descending bool) []BookQuote {
	out := make([]BookQuote, 0, len(levels))
	for _, q := range levels {
		out = append(out, BookQuote{
			ID:     q.ID,
			Price:  priceFromWire(q.Price),
			Volume: decimalFromVolume(q.Volume),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Close ends the stream and removes its subscription.
func (d *DepthStream) Close(ctx context.Context) {
	d.sub.Close(ctx, d.sess)
}
