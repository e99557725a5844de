package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/tradelink/protocol"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	body := []byte("envelope-bytes")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("body mismatch: got=%q want=%q", out, body)
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	limits := Limits{MaxFrameBytes: 8}
	err := WriteFrame(io.Discard, make([]byte, 9), limits)
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, 64), DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	_, err := ReadFrame(&buf, Limits{MaxFrameBytes: 32})
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameZeroLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), DefaultLimits())
	if !errors.Is(err, protocol.ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("truncate me"), DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	data := buf.Bytes()
	_, err := ReadFrame(bytes.NewReader(data[:len(data)-3]), DefaultLimits())
	if !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
