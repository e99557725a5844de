package streams

import (
	"context"
	"time"

	"github.com/danmuck/tradelink/protocol/schema"
	"github.com/danmuck/tradelink/session"
)

// CandleStream yields the current forming bar each time the server emits a
// spot event carrying trendbar data for the subscribed timeframe.
type CandleStream struct {
	sess     *session.Session
	sub      *session.Subscription
	symbolID int64
	period   string
}

// OpenCandles subscribes to live trendbars for one symbol and timeframe.
// Live bars ride on spot events, so the recipe arms both the spot and the
// trendbar subscription.
func OpenCandles(ctx context.Context, sess *session.Session, accountID, symbolID int64, period string, queueSize int) (*CandleStream, error) {
	sub, err := sess.Subscribe(ctx, session.SubscribeOptions{
		Topics:    []string{session.TopicCandles(symbolID, period)},
		QueueSize: queueSize,
		Policy:    session.PolicyDropOldest,
		Recipe: session.Recipe{
			Subscribe: func(ctx context.Context, rt session.Requester) error {
				spots := schema.SubscribeSpotsReq{AccountID: accountID, SymbolIDs: []int64{symbolID}}
				if _, err := rt.SendRequest(ctx, schema.TypeSubscribeSpotsReq, spots.Encode()); err != nil {
					return err
				}
				bars := schema.SubscribeLiveTrendbarReq{AccountID: accountID, SymbolID: symbolID, Period: period}
				_, err := rt.SendRequest(ctx, schema.TypeSubscribeLiveTrendbarReq, bars.Encode())
				return err
			},
			Unsubscribe: func(ctx context.Context, rt session.Requester) error {
				bars := schema.UnsubscribeLiveTrendbarReq{AccountID: accountID, SymbolID: symbolID, Period: period}
				if _, err := rt.SendRequest(ctx, schema.TypeUnsubscribeLiveTrendbarReq, bars.Encode()); err != nil {
					return err
				}
				spots := schema.UnsubscribeSpotsReq{AccountID: accountID, SymbolIDs: []int64{symbolID}}
				_, err := rt.SendRequest(ctx, schema.TypeUnsubscribeSpotsReq, spots.Encode())
				return err
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return &CandleStream{sess: sess, sub: sub, symbolID: symbolID, period: period}, nil
}

// Next blocks for the next bar update on the subscribed timeframe.
func (c *CandleStream) Next(ctx context.Context) (Candle, error) {
	for {
		env, err := c.sub.Pop(ctx)
		if err != nil {
			return Candle{}, err
		}
		ev, err := schema.DecodeSpotEvent(env.Payload)
		if err != nil || ev.SymbolID != c.symbolID {
			continue
		}
		for _, bar := range ev.Trendbars {
			if bar.Period != c.period {
				continue
			}
			return Candle{
				SymbolID: ev.SymbolID,
				Period:   bar.Period,
				Open:     priceFromWire(bar.Open),
				High:     priceFromWire(bar.High),
				Low:      priceFromWire(bar.Low),
				Close:    priceFromWire(bar.Close),
				Volume:   bar.Volume,
				Time:     time.UnixMilli(bar.TimestampMillis),
			}, nil
		}
	}
}

// Close ends the stream and removes its subscription.
func (c *CandleStream) Close(ctx context.Context) {
	c.sub.Close(ctx, c.sess)
}
