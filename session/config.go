package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/tradelink/protocol/frame"
	"github.com/danmuck/tradelink/transport"
)

// Reference deployment endpoints.
const (
	DemoHost    = "demo.tradeapi.net"
	LiveHost    = "live.tradeapi.net"
	DefaultPort = 5035
)

var (
	ErrHostRequired        = errors.New("session: host required")
	ErrClientIDRequired    = errors.New("session: client id required")
	ErrAccountIDRequired   = errors.New("session: account id required")
	ErrTokenSourceRequired = errors.New("session: token source required")
)

// TokenSource yields the current account access token. Token acquisition and
// refresh over HTTP belong to an external collaborator; the session only
// pulls the latest token before each account auth.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (t StaticToken) AccessToken(context.Context) (string, error) { return string(t), nil }

// Credentials identify the application and the trading account.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccountID    int64
	Token        TokenSource
}

// ReconnectConfig defines supervisor backoff behavior.
type ReconnectConfig struct {
	Enabled      bool
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	// MaxAttempts caps consecutive failed attempts; 0 means unlimited.
	MaxAttempts int
}

// Config defines the session runtime. Zero-valued endpoint, limit, timeout,
// queue-size and backoff fields fall back to DefaultConfig via WithDefaults.
// Boolean switches such as Reconnect.Enabled and TLS.Enabled are taken as
// given, so a Config not built from DefaultConfig has them off.
type Config struct {
	Host        string
	Port        int
	Credentials Credentials

	MaxFrameBytes      uint32
	RateLimitPerSecond int
	HeartbeatIdle      time.Duration
	RequestTimeout     time.Duration
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	AuthTimeout        time.Duration

	InboundQueueSize    int
	DropInboundWhenFull bool
	SendQueueSize       int
	TickQueueSize       int
	DepthQueueSize      int
	CandleQueueSize     int

	HousekeepingTick time.Duration

	Reconnect ReconnectConfig
	TLS       transport.TLSConfig

	// Dialer overrides how the transport is opened. Tests and embedders
	// tunneling through proxies set it; nil means a direct TLS dial.
	Dialer func(ctx context.Context) (*transport.Conn, error)

	// LogWriter receives session logs; nil means stdout.
	LogWriter io.Writer
}

func DefaultConfig() Config {
	return Config{
		Host:               DemoHost,
		Port:               DefaultPort,
		MaxFrameBytes:      frame.DefaultMaxFrameBytes,
		RateLimitPerSecond: 5,
		HeartbeatIdle:      20 * time.Second,
		RequestTimeout:     5 * time.Second,
		ConnectTimeout:     10 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		AuthTimeout:        30 * time.Second,
		InboundQueueSize:   1000,
		SendQueueSize:      256,
		TickQueueSize:      500,
		DepthQueueSize:     100,
		CandleQueueSize:    100,
		HousekeepingTick:   100 * time.Millisecond,
		Reconnect: ReconnectConfig{
			Enabled:      true,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
		TLS: transport.TLSConfig{Enabled: true},
	}
}

// WithDefaults fills zero-valued endpoint, limit, timeout, queue-size and
// backoff fields from DefaultConfig. Credentials, Reconnect.MaxAttempts, the
// TLS settings and boolean switches are left as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Host) == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = def.RateLimitPerSecond
	}
	if c.HeartbeatIdle <= 0 {
		c.HeartbeatIdle = def.HeartbeatIdle
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = def.InboundQueueSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.TickQueueSize <= 0 {
		c.TickQueueSize = def.TickQueueSize
	}
	if c.DepthQueueSize <= 0 {
		c.DepthQueueSize = def.DepthQueueSize
	}
	if c.CandleQueueSize <= 0 {
		c.CandleQueueSize = def.CandleQueueSize
	}
	if c.HousekeepingTick <= 0 {
		c.HousekeepingTick = def.HousekeepingTick
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if c.Reconnect.Multiplier < 1.0 {
		c.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if c.Reconnect.JitterFactor <= 0 {
		c.Reconnect.JitterFactor = def.Reconnect.JitterFactor
	}
	return c
}

// Validate checks the fields the runtime cannot default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostRequired
	}
	if strings.TrimSpace(c.Credentials.ClientID) == "" {
		return ErrClientIDRequired
	}
	if c.Credentials.AccountID <= 0 {
		return fmt.Errorf("%w: got %d", ErrAccountIDRequired, c.Credentials.AccountID)
	}
	if c.Credentials.Token == nil {
		return ErrTokenSourceRequired
	}
	return nil
}

func (c Config) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) transportConfig() transport.Config {
	return transport.Config{
		Address:          c.address(),
		ConnectTimeout:   c.ConnectTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		MaxFrameBytes:    c.MaxFrameBytes,
		TLS:              c.TLS,
	}
}
