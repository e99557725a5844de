package streams

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/danmuck/tradelink/protocol/schema"
)

func priceFromWire(p int64) decimal.Decimal {
	return decimal.New(p, -schema.PriceScale)
}

func decimalFromVolume(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// Tick is one immutable spot quote update.
type Tick struct {
	SymbolID int64
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	HasBid   bool
	HasAsk   bool
	Time     time.Time
}

// BookQuote is one order-book level in a depth snapshot.
type BookQuote struct {
	ID     uint64
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// DepthSnapshot is the full reconstructed book after one applied delta.
// Bids are sorted descending, asks ascending.
type DepthSnapshot struct {
	SymbolID int64
	Bids     []BookQuote
	Asks     []BookQuote
	Time     time.Time
}

func (s DepthSnapshot) BestBid() (BookQuote, bool) {
	if len(s.Bids) == 0 {
		return BookQuote{}, false
	}
	return s.Bids[0], true
}

func (s DepthSnapshot) BestAsk() (BookQuote, bool) {
	if len(s.Asks) == 0 {
		return BookQuote{}, false
	}
	return s.Asks[0], true
}

// Spread is best ask minus best bid; zero when either side is empty.
func (s DepthSnapshot) Spread() decimal.Decimal {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

func (s DepthSnapshot) TotalBidVolume() decimal.Decimal {
	total := decimal.Zero
	for _, q := range s.Bids {
		total = total.Add(q.Volume)
	}
	return total
}

func (s DepthSnapshot) TotalAskVolume() decimal.Decimal {
	total := decimal.Zero
	for _, q := range s.Asks {
		total = total.Add(q.Volume)
	}
	return total
}

// Candle is the current forming bar for one timeframe.
type Candle struct {
	SymbolID int64
	Period   string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   int64
	Time     time.Time
}

// Execution is one typed execution event.
type Execution struct {
	Type       schema.ExecutionType
	OrderID    int64
	PositionID int64
	DealID     int64
	SymbolID   int64
	Volume     decimal.Decimal
	Price      decimal.Decimal
	Reason     string
	Time       time.Time
}
