// Package transport owns the TLS socket and the length-prefixed frame
// boundary. One Conn has exactly one reader and one writer; the session
// enforces that discipline.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tradelink/protocol/frame"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrAddrRequired = errors.New("transport: address required")
)

// TLSConfig selects transport security for the dial.
type TLSConfig struct {
	Enabled            bool
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
}

// Config carries everything Dial needs.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxFrameBytes    uint32
	TLS              TLSConfig
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = frame.DefaultMaxFrameBytes
	}
	return c
}

// Conn is one live framed connection.
type Conn struct {
	conn   net.Conn
	limits frame.Limits

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens the TCP connection and, when enabled, completes the TLS
// handshake before returning.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddrRequired
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}

	conn := rawConn
	if cfg.TLS.Enabled {
		tlsCfg, err := clientTLSConfig(cfg)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return NewConn(conn, frame.Limits{MaxFrameBytes: cfg.MaxFrameBytes}), nil
}

// NewConn wraps an established net.Conn. Exposed so tests can drive the
// session over net.Pipe.
func NewConn(conn net.Conn, limits frame.Limits) *Conn {
	return &Conn{
		conn:   conn,
		limits: limits,
		closed: make(chan struct{}),
	}
}

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}
	return out, nil
}

// ReadFrame blocks for the next complete frame body. After Close it returns
// ErrClosed regardless of the underlying error.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	body, err := frame.ReadFrame(c.conn, c.limits)
	if err != nil {
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one frame atomically from the caller's perspective.
func (c *Conn) WriteFrame(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if err := frame.WriteFrame(c.conn, body, c.limits); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close tears down the socket. Idempotent; wakes any blocked reader or
// writer, which then observe ErrClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

// Done is closed once the connection has been closed locally.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
