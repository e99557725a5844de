// Package frame implements the outer length-prefixed framing: a 4-byte
// big-endian byte length followed by exactly that many envelope bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/danmuck/tradelink/protocol"
)

const HeaderLen = 4

// DefaultMaxFrameBytes bounds a single frame on both the read and write side.
const DefaultMaxFrameBytes uint32 = 15 * 1024 * 1024

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: DefaultMaxFrameBytes}
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrameBytes == 0 {
		l.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return l
}

// ReadFrame reads one complete frame body from r. A clean EOF on the length
// header is returned as io.EOF so callers can distinguish an orderly peer
// close from a torn frame.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()

	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocol.ErrTruncated
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, protocol.ErrEmptyFrame
	}
	if length > limits.MaxFrameBytes {
		return nil, protocol.ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocol.ErrTruncated
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one complete frame (header plus body) with a single
// w.Write call so the transport sees an atomic send per frame.
func WriteFrame(w io.Writer, body []byte, limits Limits) error {
	limits = limits.withDefaults()

	if len(body) == 0 {
		return protocol.ErrEmptyFrame
	}
	if uint32(len(body)) > limits.MaxFrameBytes {
		return protocol.ErrFrameTooLarge
	}

	buf := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[0:HeaderLen], uint32(len(body)))
	copy(buf[HeaderLen:], body)
	_, err := w.Write(buf)
	return err
}
