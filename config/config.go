// Package config loads session configuration from TOML files and the
// process environment under the TRADELINK_ prefix.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/danmuck/tradelink/session"
	"github.com/danmuck/tradelink/transport"
)

// EnvPrefix is the documented environment prefix for credentials and
// connection options.
const EnvPrefix = "TRADELINK_"

var ErrInvalidHostType = errors.New("config: host type must be demo or live")

// File is the on-disk TOML shape.
type File struct {
	HostType string `toml:"host_type"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`

	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AccountID    int64  `toml:"account_id"`
	AccessToken  string `toml:"access_token"`

	MaxFrameBytes       uint32  `toml:"max_frame_bytes"`
	RateLimitPerSecond  int     `toml:"rate_limit_per_second"`
	HeartbeatIdleSec    float64 `toml:"heartbeat_idle_seconds"`
	RequestTimeoutSec   float64 `toml:"request_timeout_seconds"`
	InboundQueueSize    int     `toml:"inbound_queue_size"`
	TickQueueSize       int     `toml:"tick_queue_size"`
	DepthQueueSize      int     `toml:"depth_queue_size"`
	CandleQueueSize     int     `toml:"candle_queue_size"`
	DropInboundWhenFull bool    `toml:"drop_inbound_when_full"`

	ReconnectEnabled  *bool  `toml:"reconnect_enabled"`
	ReconnectBaseMS   int64  `toml:"reconnect_backoff_base_ms"`
	ReconnectCapMS    int64  `toml:"reconnect_backoff_cap_ms"`
	ReconnectMaxTries int    `toml:"reconnect_max_attempts"`
	TLSInsecureVerify bool   `toml:"tls_insecure_skip_verify"`
	TLSCAFile         string `toml:"tls_ca_file"`
	TLSServerName     string `toml:"tls_server_name"`
	TLSDisabled       bool   `toml:"tls_disabled"`
}

// Load reads a TOML file and builds the session config.
func Load(path string) (session.Config, error) {
	var file File
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return session.Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return file.build()
}

// FromEnv builds the session config from TRADELINK_* environment variables.
// A .env file in the working directory is honored when present.
func FromEnv() (session.Config, error) {
	_ = godotenv.Load()

	file := File{
		HostType:     getenv("HOST_TYPE"),
		Host:         getenv("HOST"),
		ClientID:     getenv("CLIENT_ID"),
		ClientSecret: getenv("CLIENT_SECRET"),
		AccessToken:  getenv("ACCESS_TOKEN"),
		TLSCAFile:    getenv("TLS_CA_FILE"),
	}
	file.Port = envInt("PORT")
	file.AccountID = int64(envInt("ACCOUNT_ID"))
	file.RateLimitPerSecond = envInt("RATE_LIMIT_PER_SECOND")
	file.HeartbeatIdleSec = envFloat("HEARTBEAT_IDLE_SECONDS")
	file.RequestTimeoutSec = envFloat("REQUEST_TIMEOUT_SECONDS")
	file.InboundQueueSize = envInt("INBOUND_QUEUE_SIZE")
	file.TickQueueSize = envInt("TICK_QUEUE_SIZE")
	file.DepthQueueSize = envInt("DEPTH_QUEUE_SIZE")
	file.CandleQueueSize = envInt("CANDLE_QUEUE_SIZE")
	file.DropInboundWhenFull = envBool("DROP_INBOUND_WHEN_FULL")
	file.ReconnectBaseMS = int64(envInt("RECONNECT_BACKOFF_BASE_MS"))
	file.ReconnectCapMS = int64(envInt("RECONNECT_BACKOFF_CAP_MS"))
	file.ReconnectMaxTries = envInt("RECONNECT_MAX_ATTEMPTS")
	if raw := getenv("RECONNECT_ENABLED"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err == nil {
			file.ReconnectEnabled = &v
		}
	}
	return file.build()
}

func (f File) build() (session.Config, error) {
	cfg := session.DefaultConfig()

	switch strings.ToLower(strings.TrimSpace(f.HostType)) {
	case "", "demo":
		cfg.Host = session.DemoHost
	case "live":
		cfg.Host = session.LiveHost
	default:
		return session.Config{}, fmt.Errorf("%w: %q", ErrInvalidHostType, f.HostType)
	}
	if strings.TrimSpace(f.Host) != "" {
		cfg.Host = f.Host
	}
	if f.Port != 0 {
		cfg.Port = f.Port
	}

	cfg.Credentials = session.Credentials{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		AccountID:    f.AccountID,
		Token:        session.StaticToken(f.AccessToken),
	}

	if f.MaxFrameBytes != 0 {
		cfg.MaxFrameBytes = f.MaxFrameBytes
	}
	if f.RateLimitPerSecond > 0 {
		cfg.RateLimitPerSecond = f.RateLimitPerSecond
	}
	if f.HeartbeatIdleSec > 0 {
		cfg.HeartbeatIdle = time.Duration(f.HeartbeatIdleSec * float64(time.Second))
	}
	if f.RequestTimeoutSec > 0 {
		cfg.RequestTimeout = time.Duration(f.RequestTimeoutSec * float64(time.Second))
	}
	if f.InboundQueueSize > 0 {
		cfg.InboundQueueSize = f.InboundQueueSize
	}
	if f.TickQueueSize > 0 {
		cfg.TickQueueSize = f.TickQueueSize
	}
	if f.DepthQueueSize > 0 {
		cfg.DepthQueueSize = f.DepthQueueSize
	}
	if f.CandleQueueSize > 0 {
		cfg.CandleQueueSize = f.CandleQueueSize
	}
	cfg.DropInboundWhenFull = f.DropInboundWhenFull

	if f.ReconnectEnabled != nil {
		cfg.Reconnect.Enabled = *f.ReconnectEnabled
	}
	if f.ReconnectBaseMS > 0 {
		cfg.Reconnect.BaseDelay = time.Duration(f.ReconnectBaseMS) * time.Millisecond
	}
	if f.ReconnectCapMS > 0 {
		cfg.Reconnect.MaxDelay = time.Duration(f.ReconnectCapMS) * time.Millisecond
	}
	if f.ReconnectMaxTries > 0 {
		cfg.Reconnect.MaxAttempts = f.ReconnectMaxTries
	}

	cfg.TLS = transport.TLSConfig{
		Enabled:            !f.TLSDisabled,
		ServerName:         f.TLSServerName,
		CAFile:             f.TLSCAFile,
		InsecureSkipVerify: f.TLSInsecureVerify,
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// TokenFunc adapts a function to a session.TokenSource for callers wiring an
// external OAuth refresher.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) AccessToken(ctx context.Context) (string, error) { return f(ctx) }

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func envInt(key string) int {
	raw := getenv(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

func envFloat(key string) float64 {
	raw := getenv(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func envBool(key string) bool {
	raw := getenv(key)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return v
}
