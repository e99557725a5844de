// Package envelope implements the outer message envelope: a numeric payload
// type tag, an opaque payload, and an optional correlation id.
package envelope

import (
	"fmt"

	"github.com/danmuck/tradelink/protocol"
	"github.com/danmuck/tradelink/protocol/tlv"
)

// MaxCorrelationIDLen is the wire bound on the correlation token.
const MaxCorrelationIDLen = 64

// Envelope field ids.
const (
	fieldPayloadType   uint16 = 1
	fieldPayload       uint16 = 2
	fieldCorrelationID uint16 = 3
)

// Envelope is one framed message. Unknown payload types are carried verbatim;
// the tag alone classifies them downstream.
type Envelope struct {
	PayloadType   uint32
	Payload       []byte
	CorrelationID string
}

func (e Envelope) Encode() ([]byte, error) {
	if len(e.CorrelationID) > MaxCorrelationIDLen {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrCorrelationTooLong, len(e.CorrelationID))
	}
	fields := []tlv.Field{
		tlv.U32Field(fieldPayloadType, e.PayloadType),
		tlv.BytesField(fieldPayload, e.Payload),
	}
	if e.CorrelationID != "" {
		fields = append(fields, tlv.StringField(fieldCorrelationID, e.CorrelationID))
	}
	return tlv.EncodeFields(fields), nil
}

func Decode(data []byte) (Envelope, error) {
	fields, err := tlv.DecodeFields(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", protocol.ErrInvalidEnvelope, err)
	}

	payloadType, ok, err := tlv.U32At(fields, fieldPayloadType)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", protocol.ErrInvalidEnvelope, err)
	}
	if !ok {
		return Envelope{}, fmt.Errorf("%w: payload type", protocol.ErrMissingField)
	}

	payload, ok, err := tlv.BytesAt(fields, fieldPayload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", protocol.ErrInvalidEnvelope, err)
	}
	if !ok {
		return Envelope{}, fmt.Errorf("%w: payload", protocol.ErrMissingField)
	}

	correlationID, _, err := tlv.StringAt(fields, fieldCorrelationID)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", protocol.ErrInvalidEnvelope, err)
	}
	if len(correlationID) > MaxCorrelationIDLen {
		return Envelope{}, fmt.Errorf("%w: %d bytes", protocol.ErrCorrelationTooLong, len(correlationID))
	}

	return Envelope{
		PayloadType:   payloadType,
		Payload:       payload,
		CorrelationID: correlationID,
	}, nil
}
