// Package schema defines the payload-type registry and the TLV body layouts
// for the reserved message set. Every other payload type flows through the
// session as opaque bytes classified by its tag alone.
package schema

import (
	"fmt"

	"github.com/danmuck/tradelink/protocol"
	"github.com/danmuck/tradelink/protocol/tlv"
)

// Payload-type tags. Numeric values follow the reference deployment.
const (
	TypeHeartbeatEvent uint32 = 51

	TypeAppAuthReq     uint32 = 2100
	TypeAppAuthRes     uint32 = 2101
	TypeAccountAuthReq uint32 = 2102
	TypeAccountAuthRes uint32 = 2103

	TypeSymbolsListReq uint32 = 2114
	TypeSymbolsListRes uint32 = 2115
	TypeTraderReq      uint32 = 2121
	TypeTraderRes      uint32 = 2122
	TypeReconcileReq   uint32 = 2124
	TypeReconcileRes   uint32 = 2125

	TypeExecutionEvent uint32 = 2126

	TypeSubscribeSpotsReq   uint32 = 2127
	TypeSubscribeSpotsRes   uint32 = 2128
	TypeUnsubscribeSpotsReq uint32 = 2129
	TypeUnsubscribeSpotsRes uint32 = 2130
	TypeSpotEvent           uint32 = 2131

	TypeSubscribeLiveTrendbarReq   uint32 = 2135
	TypeUnsubscribeLiveTrendbarReq uint32 = 2136

	TypeErrorRes uint32 = 2142

	TypeDepthEvent                uint32 = 2155
	TypeSubscribeDepthQuotesReq   uint32 = 2156
	TypeSubscribeDepthQuotesRes   uint32 = 2157
	TypeUnsubscribeDepthQuotesReq uint32 = 2158
	TypeUnsubscribeDepthQuotesRes uint32 = 2159

	// Client-synthesized boundary markers published on the refresh topic
	// around a reconnect state refresh. Never written to the wire.
	TypeRefreshBegin uint32 = 65000
	TypeRefreshEnd   uint32 = 65001
)

// PriceScale is the fixed-point denominator for every price on the wire:
// prices travel as int64 in 1/100000 units.
const PriceScale int32 = 5

// Shared field ids.
const (
	fieldAccountID uint16 = 1
	fieldSymbolID  uint16 = 2
	fieldTimestamp uint16 = 3
)

// --- auth ---

const (
	fieldClientID     uint16 = 10
	fieldClientSecret uint16 = 11
	fieldAccessToken  uint16 = 12
)

type AppAuthReq struct {
	ClientID     string
	ClientSecret string
}

func (m AppAuthReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.StringField(fieldClientID, m.ClientID),
		tlv.StringField(fieldClientSecret, m.ClientSecret),
	})
}

func DecodeAppAuthReq(b []byte) (AppAuthReq, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return AppAuthReq{}, err
	}
	clientID, ok, err := tlv.StringAt(fields, fieldClientID)
	if err != nil || !ok {
		return AppAuthReq{}, missing(err, "client id")
	}
	secret, ok, err := tlv.StringAt(fields, fieldClientSecret)
	if err != nil || !ok {
		return AppAuthReq{}, missing(err, "client secret")
	}
	return AppAuthReq{ClientID: clientID, ClientSecret: secret}, nil
}

type AppAuthRes struct{}

func (AppAuthRes) Encode() []byte { return nil }

type AccountAuthReq struct {
	AccountID   int64
	AccessToken string
}

func (m AccountAuthReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.I64Field(fieldAccountID, m.AccountID),
		tlv.StringField(fieldAccessToken, m.AccessToken),
	})
}

func DecodeAccountAuthReq(b []byte) (AccountAuthReq, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return AccountAuthReq{}, err
	}
	accountID, ok, err := tlv.I64At(fields, fieldAccountID)
	if err != nil || !ok {
		return AccountAuthReq{}, missing(err, "account id")
	}
	token, ok, err := tlv.StringAt(fields, fieldAccessToken)
	if err != nil || !ok {
		return AccountAuthReq{}, missing(err, "access token")
	}
	return AccountAuthReq{AccountID: accountID, AccessToken: token}, nil
}

type AccountAuthRes struct {
	AccountID int64
}

func (m AccountAuthRes) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.I64Field(fieldAccountID, m.AccountID)})
}

func DecodeAccountAuthRes(b []byte) (AccountAuthRes, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return AccountAuthRes{}, err
	}
	accountID, _, err := tlv.I64At(fields, fieldAccountID)
	if err != nil {
		return AccountAuthRes{}, err
	}
	return AccountAuthRes{AccountID: accountID}, nil
}

// --- generic error ---

const (
	fieldErrorCode        uint16 = 20
	fieldErrorDescription uint16 = 21
	fieldMaintenanceEnd   uint16 = 22
)

type ErrorRes struct {
	Code                 string
	Description          string
	MaintenanceEndMillis int64
}

func (m ErrorRes) Encode() []byte {
	fields := []tlv.Field{
		tlv.StringField(fieldErrorCode, m.Code),
		tlv.StringField(fieldErrorDescription, m.Description),
	}
	if m.MaintenanceEndMillis != 0 {
		fields = append(fields, tlv.I64Field(fieldMaintenanceEnd, m.MaintenanceEndMillis))
	}
	return tlv.EncodeFields(fields)
}

func DecodeErrorRes(b []byte) (ErrorRes, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return ErrorRes{}, err
	}
	code, ok, err := tlv.StringAt(fields, fieldErrorCode)
	if err != nil || !ok {
		return ErrorRes{}, missing(err, "error code")
	}
	description, _, err := tlv.StringAt(fields, fieldErrorDescription)
	if err != nil {
		return ErrorRes{}, err
	}
	maintenanceEnd, _, err := tlv.I64At(fields, fieldMaintenanceEnd)
	if err != nil {
		return ErrorRes{}, err
	}
	return ErrorRes{Code: code, Description: description, MaintenanceEndMillis: maintenanceEnd}, nil
}

// --- market data events ---

const (
	fieldBid        uint16 = 30
	fieldAsk        uint16 = 31
	fieldTrendbar   uint16 = 32
	fieldPeriod     uint16 = 33
	fieldOpen       uint16 = 34
	fieldHigh       uint16 = 35
	fieldLow        uint16 = 36
	fieldClose      uint16 = 37
	fieldVolume     uint16 = 38
	fieldQuote      uint16 = 40
	fieldQuoteID    uint16 = 41
	fieldPrice      uint16 = 42
	fieldIsBid      uint16 = 43
	fieldDeletedID  uint16 = 44
	fieldDepthLimit uint16 = 45
)

// Trendbar is the current-bar OHLCV block a spot event may carry for each
// live-subscribed timeframe.
type Trendbar struct {
	Period          string
	Open            int64
	High            int64
	Low             int64
	Close           int64
	Volume          int64
	TimestampMillis int64
}

func (m Trendbar) encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.StringField(fieldPeriod, m.Period),
		tlv.I64Field(fieldOpen, m.Open),
		tlv.I64Field(fieldHigh, m.High),
		tlv.I64Field(fieldLow, m.Low),
		tlv.I64Field(fieldClose, m.Close),
		tlv.I64Field(fieldVolume, m.Volume),
		tlv.I64Field(fieldTimestamp, m.TimestampMillis),
	})
}

func decodeTrendbar(b []byte) (Trendbar, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return Trendbar{}, err
	}
	var bar Trendbar
	if bar.Period, _, err = tlv.StringAt(fields, fieldPeriod); err != nil {
		return Trendbar{}, err
	}
	if bar.Open, _, err = tlv.I64At(fields, fieldOpen); err != nil {
		return Trendbar{}, err
	}
	if bar.High, _, err = tlv.I64At(fields, fieldHigh); err != nil {
		return Trendbar{}, err
	}
	if bar.Low, _, err = tlv.I64At(fields, fieldLow); err != nil {
		return Trendbar{}, err
	}
	if bar.Close, _, err = tlv.I64At(fields, fieldClose); err != nil {
		return Trendbar{}, err
	}
	if bar.Volume, _, err = tlv.I64At(fields, fieldVolume); err != nil {
		return Trendbar{}, err
	}
	if bar.TimestampMillis, _, err = tlv.I64At(fields, fieldTimestamp); err != nil {
		return Trendbar{}, err
	}
	return bar, nil
}

// SpotEvent is one tick. Bid and ask are each optional; a tick may move only
// one side of the book.
type SpotEvent struct {
	SymbolID        int64
	Bid             int64
	Ask             int64
	HasBid          bool
	HasAsk          bool
	TimestampMillis int64
	Trendbars       []Trendbar
}

func (m SpotEvent) Encode() []byte {
	fields := []tlv.Field{
		tlv.I64Field(fieldSymbolID, m.SymbolID),
		tlv.I64Field(fieldTimestamp, m.TimestampMillis),
	}
	if m.HasBid {
		fields = append(fields, tlv.I64Field(fieldBid, m.Bid))
	}
	if m.HasAsk {
		fields = append(fields, tlv.I64Field(fieldAsk, m.Ask))
	}
	for _, bar := range m.Trendbars {
		fields = append(fields, tlv.BytesField(fieldTrendbar, bar.encode()))
	}
	return tlv.EncodeFields(fields)
}

func DecodeSpotEvent(b []byte) (SpotEvent, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return SpotEvent{}, err
	}
	var ev SpotEvent
	var ok bool
	if ev.SymbolID, ok, err = tlv.I64At(fields, fieldSymbolID); err != nil || !ok {
		return SpotEvent{}, missing(err, "symbol id")
	}
	if ev.Bid, ev.HasBid, err = tlv.I64At(fields, fieldBid); err != nil {
		return SpotEvent{}, err
	}
	if ev.Ask, ev.HasAsk, err = tlv.I64At(fields, fieldAsk); err != nil {
		return SpotEvent{}, err
	}
	if ev.TimestampMillis, _, err = tlv.I64At(fields, fieldTimestamp); err != nil {
		return SpotEvent{}, err
	}
	for _, f := range tlv.CollectFields(fields, fieldTrendbar) {
		if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
			return SpotEvent{}, err
		}
		bar, err := decodeTrendbar(f.Value)
		if err != nil {
			return SpotEvent{}, err
		}
		ev.Trendbars = append(ev.Trendbars, bar)
	}
	return ev, nil
}

// DepthQuote is one order-book level. IsBid selects the book side.
type DepthQuote struct {
	ID     uint64
	Price  int64
	Volume int64
	IsBid  bool
}

func (m DepthQuote) encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U64Field(fieldQuoteID, m.ID),
		tlv.I64Field(fieldPrice, m.Price),
		tlv.I64Field(fieldVolume, m.Volume),
		tlv.BoolField(fieldIsBid, m.IsBid),
	})
}

func decodeDepthQuote(b []byte) (DepthQuote, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return DepthQuote{}, err
	}
	var q DepthQuote
	var ok bool
	if q.ID, ok, err = tlv.U64At(fields, fieldQuoteID); err != nil || !ok {
		return DepthQuote{}, missing(err, "quote id")
	}
	if q.Price, _, err = tlv.I64At(fields, fieldPrice); err != nil {
		return DepthQuote{}, err
	}
	if q.Volume, _, err = tlv.I64At(fields, fieldVolume); err != nil {
		return DepthQuote{}, err
	}
	f, ok := tlv.GetField(fields, fieldIsBid)
	if ok {
		if err := tlv.MustType(f, tlv.TypeBool); err != nil {
			return DepthQuote{}, err
		}
		if q.IsBid, err = tlv.BoolFromBytes(f.Value); err != nil {
			return DepthQuote{}, err
		}
	}
	return q, nil
}

// DepthEvent is one incremental order-book update.
type DepthEvent struct {
	SymbolID        int64
	NewQuotes       []DepthQuote
	DeletedQuoteIDs []uint64
	TimestampMillis int64
}

func (m DepthEvent) Encode() []byte {
	fields := []tlv.Field{
		tlv.I64Field(fieldSymbolID, m.SymbolID),
		tlv.I64Field(fieldTimestamp, m.TimestampMillis),
	}
	for _, q := range m.NewQuotes {
		fields = append(fields, tlv.BytesField(fieldQuote, q.encode()))
	}
	for _, id := range m.DeletedQuoteIDs {
		fields = append(fields, tlv.U64Field(fieldDeletedID, id))
	}
	return tlv.EncodeFields(fields)
}

func DecodeDepthEvent(b []byte) (DepthEvent, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return DepthEvent{}, err
	}
	var ev DepthEvent
	var ok bool
	if ev.SymbolID, ok, err = tlv.I64At(fields, fieldSymbolID); err != nil || !ok {
		return DepthEvent{}, missing(err, "symbol id")
	}
	if ev.TimestampMillis, _, err = tlv.I64At(fields, fieldTimestamp); err != nil {
		return DepthEvent{}, err
	}
	for _, f := range tlv.CollectFields(fields, fieldQuote) {
		if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
			return DepthEvent{}, err
		}
		q, err := decodeDepthQuote(f.Value)
		if err != nil {
			return DepthEvent{}, err
		}
		ev.NewQuotes = append(ev.NewQuotes, q)
	}
	for _, f := range tlv.CollectFields(fields, fieldDeletedID) {
		if err := tlv.MustType(f, tlv.TypeU64); err != nil {
			return DepthEvent{}, err
		}
		id, err := tlv.U64FromBytes(f.Value)
		if err != nil {
			return DepthEvent{}, err
		}
		ev.DeletedQuoteIDs = append(ev.DeletedQuoteIDs, id)
	}
	return ev, nil
}

// --- execution events ---

const (
	fieldExecutionType uint16 = 50
	fieldOrderID       uint16 = 51
	fieldPositionID    uint16 = 52
	fieldDealID        uint16 = 53
	fieldExecVolume    uint16 = 54
	fieldExecPrice     uint16 = 55
	fieldReason        uint16 = 56
)

// ExecutionType enumerates the execution event taxonomy.
type ExecutionType string

const (
	ExecOrderAccepted        ExecutionType = "ORDER_ACCEPTED"
	ExecOrderFilled          ExecutionType = "ORDER_FILLED"
	ExecOrderReplaced        ExecutionType = "ORDER_REPLACED"
	ExecOrderCancelled       ExecutionType = "ORDER_CANCELLED"
	ExecOrderRejected        ExecutionType = "ORDER_REJECTED"
	ExecOrderExpired         ExecutionType = "ORDER_EXPIRED"
	ExecOrderPartialFill     ExecutionType = "ORDER_PARTIAL_FILL"
	ExecSwap                 ExecutionType = "SWAP"
	ExecDepositWithdraw      ExecutionType = "DEPOSIT_WITHDRAW"
	ExecBonusDepositWithdraw ExecutionType = "BONUS_DEPOSIT_WITHDRAW"
)

type ExecutionEvent struct {
	ExecutionType   ExecutionType
	OrderID         int64
	PositionID      int64
	DealID          int64
	SymbolID        int64
	Volume          int64
	Price           int64
	Reason          string
	TimestampMillis int64
}

func (m ExecutionEvent) Encode() []byte {
	fields := []tlv.Field{
		tlv.StringField(fieldExecutionType, string(m.ExecutionType)),
		tlv.I64Field(fieldOrderID, m.OrderID),
		tlv.I64Field(fieldPositionID, m.PositionID),
		tlv.I64Field(fieldDealID, m.DealID),
		tlv.I64Field(fieldSymbolID, m.SymbolID),
		tlv.I64Field(fieldExecVolume, m.Volume),
		tlv.I64Field(fieldExecPrice, m.Price),
		tlv.I64Field(fieldTimestamp, m.TimestampMillis),
	}
	if m.Reason != "" {
		fields = append(fields, tlv.StringField(fieldReason, m.Reason))
	}
	return tlv.EncodeFields(fields)
}

func DecodeExecutionEvent(b []byte) (ExecutionEvent, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return ExecutionEvent{}, err
	}
	var ev ExecutionEvent
	execType, ok, err := tlv.StringAt(fields, fieldExecutionType)
	if err != nil || !ok {
		return ExecutionEvent{}, missing(err, "execution type")
	}
	ev.ExecutionType = ExecutionType(execType)
	if ev.OrderID, _, err = tlv.I64At(fields, fieldOrderID); err != nil {
		return ExecutionEvent{}, err
	}
	if ev.PositionID, _, err = tlv.I64At(fields, fieldPositionID); err != nil {
		return ExecutionEvent{}, err
	}
	if ev.DealID, _, err = tlv.I64At(fields, fieldDealID); err != nil {
		return ExecutionEvent{}, err
	}
	if ev.SymbolID, _, err = tlv.I64At(fields, fieldSymbolID); err != nil {
		return ExecutionEvent{}, err
	}
	if ev.Volume, _, err = tlv.I64At(fields, fieldExecVolume); err != nil {
		return ExecutionEvent{}, err
	}
	if ev.Price, _, err = tlv.I64At(fields, fieldExecPrice); err != nil {
		return ExecutionEvent{}, err
	}
	if ev.Reason, _, err = tlv.StringAt(fields, fieldReason); err != nil {
		return ExecutionEvent{}, err
	}
	if ev.TimestampMillis, _, err = tlv.I64At(fields, fieldTimestamp); err != nil {
		return ExecutionEvent{}, err
	}
	return ev, nil
}

// --- subscription requests ---

type SubscribeSpotsReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (m SubscribeSpotsReq) Encode() []byte {
	fields := []tlv.Field{tlv.I64Field(fieldAccountID, m.AccountID)}
	for _, id := range m.SymbolIDs {
		fields = append(fields, tlv.I64Field(fieldSymbolID, id))
	}
	return tlv.EncodeFields(fields)
}

func DecodeSubscribeSpotsReq(b []byte) (SubscribeSpotsReq, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return SubscribeSpotsReq{}, err
	}
	var req SubscribeSpotsReq
	var ok bool
	if req.AccountID, ok, err = tlv.I64At(fields, fieldAccountID); err != nil || !ok {
		return SubscribeSpotsReq{}, missing(err, "account id")
	}
	for _, f := range tlv.CollectFields(fields, fieldSymbolID) {
		if err := tlv.MustType(f, tlv.TypeI64); err != nil {
			return SubscribeSpotsReq{}, err
		}
		id, err := tlv.I64FromBytes(f.Value)
		if err != nil {
			return SubscribeSpotsReq{}, err
		}
		req.SymbolIDs = append(req.SymbolIDs, id)
	}
	return req, nil
}

type UnsubscribeSpotsReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (m UnsubscribeSpotsReq) Encode() []byte {
	return SubscribeSpotsReq(m).Encode()
}

type SubscribeDepthQuotesReq struct {
	AccountID int64
	SymbolID  int64
	Depth     uint32
}

func (m SubscribeDepthQuotesReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.I64Field(fieldAccountID, m.AccountID),
		tlv.I64Field(fieldSymbolID, m.SymbolID),
		tlv.U32Field(fieldDepthLimit, m.Depth),
	})
}

type UnsubscribeDepthQuotesReq struct {
	AccountID int64
	SymbolID  int64
}

func (m UnsubscribeDepthQuotesReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.I64Field(fieldAccountID, m.AccountID),
		tlv.I64Field(fieldSymbolID, m.SymbolID),
	})
}

type SubscribeLiveTrendbarReq struct {
	AccountID int64
	SymbolID  int64
	Period    string
}

func (m SubscribeLiveTrendbarReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.I64Field(fieldAccountID, m.AccountID),
		tlv.I64Field(fieldSymbolID, m.SymbolID),
		tlv.StringField(fieldPeriod, m.Period),
	})
}

type UnsubscribeLiveTrendbarReq struct {
	AccountID int64
	SymbolID  int64
	Period    string
}

func (m UnsubscribeLiveTrendbarReq) Encode() []byte {
	return SubscribeLiveTrendbarReq(m).Encode()
}

// --- reconnect refresh requests ---

type SymbolsListReq struct{ AccountID int64 }

func (m SymbolsListReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.I64Field(fieldAccountID, m.AccountID)})
}

type TraderReq struct{ AccountID int64 }

func (m TraderReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.I64Field(fieldAccountID, m.AccountID)})
}

type ReconcileReq struct{ AccountID int64 }

func (m ReconcileReq) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.I64Field(fieldAccountID, m.AccountID)})
}

func missing(err error, what string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", protocol.ErrMissingField, what)
}
