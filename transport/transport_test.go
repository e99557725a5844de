package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/tradelink/internal/testutil/tlstest"
	"github.com/danmuck/tradelink/protocol/frame"
)

func startTLSEchoServer(t *testing.T) (addr string, caFile string) {
	t.Helper()

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	certPath, keyPath := ca.IssueServerCert(t, dir, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("load server keypair: %v", err)
	}
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					body, err := frame.ReadFrame(conn, frame.DefaultLimits())
					if err != nil {
						return
					}
					if err := frame.WriteFrame(conn, body, frame.DefaultLimits()); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return listener.Addr().String(), ca.CAFile()
}

func TestDialTLSEcho(t *testing.T) {
	addr, caFile := startTLSEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, Config{
		Address: addr,
		TLS:     TLSConfig{Enabled: true, ServerName: "localhost", CAFile: caFile},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	want := []byte("hello-frame")
	if err := conn.WriteFrame(want); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("echo mismatch: got=%q want=%q", got, want)
	}
}

func TestCloseWakesBlockedReader(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := NewConn(client, frame.DefaultLimits())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrame()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by close")
	}
}

func TestWriteAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := NewConn(client, frame.DefaultLimits())
	_ = conn.Close()
	if err := conn.WriteFrame([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	if !errors.Is(err, ErrAddrRequired) {
		t.Fatalf("expected ErrAddrRequired, got %v", err)
	}
}
