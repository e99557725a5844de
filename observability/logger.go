// Package observability owns logging, metrics, and the hook bus. Nothing in
// here is process-global: each session carries its own logger, registry, and
// bus so embedders can run several sessions side by side.
package observability

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "TRADELINK_LOG_LEVEL"
	EnvLogTimestamp = "TRADELINK_LOG_TIMESTAMP"
	EnvLogNoColor   = "TRADELINK_LOG_NOCOLOR"
	EnvConnectDebug = "TRADELINK_CONNECT_DEBUG"
)

// NewLogger builds the session root logger. Pass nil to log to stdout.
func NewLogger(out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    envBool(EnvLogNoColor),
	}
	logger := zerolog.New(writer).Level(envLevel()).With().Str("app", "tradelink")
	if !envBoolDefault(EnvLogTimestamp, true) {
		return logger.Logger()
	}
	return logger.Timestamp().Logger()
}

// ConnectDebugEnabled reports whether verbose connect/reconnect logging was
// requested from the environment.
func ConnectDebugEnabled() bool {
	return envBool(EnvConnectDebug)
}

func envLevel() zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogLevel))) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func envBool(key string) bool {
	return envBoolDefault(key, false)
}

func envBoolDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
