// Package brokertest runs a scripted in-memory broker over net.Pipe so the
// session runtime can be driven end-to-end without a real endpoint.
package brokertest

import (
	"context"
	"net"
	"sync"

	"github.com/danmuck/tradelink/protocol/envelope"
	"github.com/danmuck/tradelink/protocol/frame"
	"github.com/danmuck/tradelink/protocol/schema"
	"github.com/danmuck/tradelink/transport"
)

// Handler answers one non-auth request envelope with zero or more response
// envelopes. Returning nothing swallows the request.
type Handler func(env envelope.Envelope) []envelope.Envelope

// Broker is one scripted peer. Auth requests are answered automatically
// unless FailAppAuthCode is set.
type Broker struct {
	Handler         Handler
	FailAppAuthCode string

	mu     sync.Mutex
	counts map[uint32]int
	conn   *transport.Conn
	served chan struct{}
}

func New(handler Handler) *Broker {
	return &Broker{
		Handler: handler,
		counts:  make(map[uint32]int),
		served:  make(chan struct{}),
	}
}

// serve starts the broker over the server half of a pipe: it publishes the
// connection for Send and Close, launches the read loop, and returns.
func (b *Broker) serve(raw net.Conn) {
	conn := transport.NewConn(raw, frame.DefaultLimits())
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	close(b.served)

	go func() {
		for {
			body, err := conn.ReadFrame()
			if err != nil {
				return
			}
			env, err := envelope.Decode(body)
			if err != nil {
				return
			}
			b.mu.Lock()
			b.counts[env.PayloadType]++
			b.mu.Unlock()

			for _, res := range b.respond(env) {
				if err := b.Send(res); err != nil {
					return
				}
			}
		}
	}()
}

func (b *Broker) respond(env envelope.Envelope) []envelope.Envelope {
	switch env.PayloadType {
	case schema.TypeAppAuthReq:
		if b.FailAppAuthCode != "" {
			body := schema.ErrorRes{Code: b.FailAppAuthCode, Description: "auth rejected"}.Encode()
			return []envelope.Envelope{{PayloadType: schema.TypeErrorRes, Payload: body, CorrelationID: env.CorrelationID}}
		}
		return []envelope.Envelope{{PayloadType: schema.TypeAppAuthRes, CorrelationID: env.CorrelationID}}
	case schema.TypeAccountAuthReq:
		req, err := schema.DecodeAccountAuthReq(env.Payload)
		if err != nil {
			return nil
		}
		body := schema.AccountAuthRes{AccountID: req.AccountID}.Encode()
		return []envelope.Envelope{{PayloadType: schema.TypeAccountAuthRes, Payload: body, CorrelationID: env.CorrelationID}}
	case schema.TypeHeartbeatEvent:
		return nil
	default:
		if b.Handler != nil {
			return b.Handler(env)
		}
		return nil
	}
}

// Send pushes one envelope to the connected session.
func (b *Broker) Send(env envelope.Envelope) error {
	<-b.served
	body, err := env.Encode()
	if err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	return conn.WriteFrame(body)
}

// Count reports how many frames of one payload type the broker has read.
func (b *Broker) Count(payloadType uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[payloadType]
}

// Close tears down the broker's side of the transport.
func (b *Broker) Close() {
	<-b.served
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	_ = conn.Close()
}

// Dialer hands out one pipe-backed connection per scripted broker, in order.
// Once the script is exhausted every dial fails.
type Dialer struct {
	mu      sync.Mutex
	brokers []*Broker
}

func NewDialer(brokers ...*Broker) *Dialer {
	return &Dialer{brokers: brokers}
}

func (d *Dialer) Dial(ctx context.Context) (*transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.brokers) == 0 {
		return nil, context.DeadlineExceeded
	}
	broker := d.brokers[0]
	d.brokers = d.brokers[1:]

	client, server := net.Pipe()
	broker.serve(server)
	return transport.NewConn(client, frame.DefaultLimits()), nil
}

// SubscribeAck is a Handler answering every subscribe/unsubscribe and
// refresh request with an empty success response of the matching type.
func SubscribeAck(env envelope.Envelope) []envelope.Envelope {
	var resType uint32
	switch env.PayloadType {
	case schema.TypeSubscribeSpotsReq:
		resType = schema.TypeSubscribeSpotsRes
	case schema.TypeUnsubscribeSpotsReq:
		resType = schema.TypeUnsubscribeSpotsRes
	case schema.TypeSubscribeDepthQuotesReq:
		resType = schema.TypeSubscribeDepthQuotesRes
	case schema.TypeUnsubscribeDepthQuotesReq:
		resType = schema.TypeUnsubscribeDepthQuotesRes
	case schema.TypeSubscribeLiveTrendbarReq, schema.TypeUnsubscribeLiveTrendbarReq:
		resType = env.PayloadType + 1000
	case schema.TypeSymbolsListReq:
		resType = schema.TypeSymbolsListRes
	case schema.TypeTraderReq:
		resType = schema.TypeTraderRes
	case schema.TypeReconcileReq:
		resType = schema.TypeReconcileRes
	default:
		return nil
	}
	return []envelope.Envelope{{PayloadType: resType, CorrelationID: env.CorrelationID}}
}
