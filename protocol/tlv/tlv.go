// Package tlv implements the type-length-value field encoding used by the
// envelope and every reserved payload body.
//
// A field is `uint16 id, uint8 type, uint32 length, value`, big-endian.
// Fields are concatenated with no padding. Decoders skip unknown field ids so
// the schema can grow without breaking older peers.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
)

// Wire type ids.
const (
	TypeU32    uint8 = 1
	TypeU64    uint8 = 2
	TypeI64    uint8 = 3
	TypeBool   uint8 = 4
	TypeString uint8 = 5
	TypeBytes  uint8 = 6
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0, len(fields)*16)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// CollectFields returns every field with the given id, preserving wire order.
// Repeated ids are how the schema encodes lists.
func CollectFields(fields []Field, id uint16) []Field {
	out := make([]Field, 0)
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

// Scalar constructors.

func U32Field(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func U64Field(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: TypeU64, Value: buf}
}

func I64Field(id uint16, v int64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return Field{ID: id, Type: TypeI64, Value: buf}
}

func BoolField(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func StringField(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func BytesField(id uint16, v []byte) Field {
	val := make([]byte, len(v))
	copy(val, v)
	return Field{ID: id, Type: TypeBytes, Value: val}
}

// Scalar extractors.

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func I64FromBytes(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid i64 length: %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func BoolFromBytes(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fmt.Errorf("tlv: invalid bool length: %d", len(b))
	}
	return b[0] != 0, nil
}

// Typed lookup helpers. Each returns the zero value and false when the field
// is absent, and an error only when the field is present but malformed.

func U32At(fields []Field, id uint16) (uint32, bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, false, nil
	}
	if err := MustType(f, TypeU32); err != nil {
		return 0, false, err
	}
	v, err := U32FromBytes(f.Value)
	return v, err == nil, err
}

func U64At(fields []Field, id uint16) (uint64, bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, false, nil
	}
	if err := MustType(f, TypeU64); err != nil {
		return 0, false, err
	}
	v, err := U64FromBytes(f.Value)
	return v, err == nil, err
}

func I64At(fields []Field, id uint16) (int64, bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, false, nil
	}
	if err := MustType(f, TypeI64); err != nil {
		return 0, false, err
	}
	v, err := I64FromBytes(f.Value)
	return v, err == nil, err
}

func StringAt(fields []Field, id uint16) (string, bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return "", false, nil
	}
	if err := MustType(f, TypeString); err != nil {
		return "", false, err
	}
	return string(f.Value), true, nil
}

func BytesAt(fields []Field, id uint16) ([]byte, bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return nil, false, nil
	}
	if err := MustType(f, TypeBytes); err != nil {
		return nil, false, err
	}
	return f.Value, true, nil
}
