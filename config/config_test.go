package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/tradelink/session"
)

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradelink.toml")
	data := `
host_type = "live"
client_id = "cid"
client_secret = "sec"
account_id = 42
access_token = "tok"
rate_limit_per_second = 10
heartbeat_idle_seconds = 12.5
request_timeout_seconds = 3
reconnect_backoff_base_ms = 250
reconnect_max_attempts = 7
drop_inbound_when_full = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != session.LiveHost || cfg.Port != session.DefaultPort {
		t.Fatalf("endpoint mismatch: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Credentials.AccountID != 42 || cfg.Credentials.ClientID != "cid" {
		t.Fatalf("credentials mismatch: %+v", cfg.Credentials)
	}
	if cfg.RateLimitPerSecond != 10 {
		t.Fatalf("rate limit mismatch: %d", cfg.RateLimitPerSecond)
	}
	if cfg.HeartbeatIdle != 12500*time.Millisecond {
		t.Fatalf("heartbeat idle mismatch: %v", cfg.HeartbeatIdle)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("request timeout mismatch: %v", cfg.RequestTimeout)
	}
	if cfg.Reconnect.BaseDelay != 250*time.Millisecond || cfg.Reconnect.MaxAttempts != 7 {
		t.Fatalf("reconnect config mismatch: %+v", cfg.Reconnect)
	}
	if !cfg.DropInboundWhenFull {
		t.Fatal("drop_inbound_when_full not honored")
	}
}

func TestLoadRejectsUnknownHostType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte(`host_type = "staging"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidHostType) {
		t.Fatalf("expected ErrInvalidHostType, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TRADELINK_HOST_TYPE", "demo")
	t.Setenv("TRADELINK_CLIENT_ID", "env-cid")
	t.Setenv("TRADELINK_CLIENT_SECRET", "env-sec")
	t.Setenv("TRADELINK_ACCOUNT_ID", "9000")
	t.Setenv("TRADELINK_ACCESS_TOKEN", "env-tok")
	t.Setenv("TRADELINK_RATE_LIMIT_PER_SECOND", "2")
	t.Setenv("TRADELINK_RECONNECT_ENABLED", "false")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Host != session.DemoHost {
		t.Fatalf("host mismatch: %s", cfg.Host)
	}
	if cfg.Credentials.ClientID != "env-cid" || cfg.Credentials.AccountID != 9000 {
		t.Fatalf("credentials mismatch: %+v", cfg.Credentials)
	}
	if cfg.RateLimitPerSecond != 2 {
		t.Fatalf("rate limit mismatch: %d", cfg.RateLimitPerSecond)
	}
	if cfg.Reconnect.Enabled {
		t.Fatal("reconnect_enabled=false not honored")
	}

	token, err := cfg.Credentials.Token.AccessToken(context.Background())
	if err != nil || token != "env-tok" {
		t.Fatalf("token mismatch: %q err=%v", token, err)
	}
}

func TestValidationRequiresCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "incomplete.toml")
	if err := os.WriteFile(path, []byte(`client_id = "cid"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, session.ErrAccountIDRequired) {
		t.Fatalf("expected ErrAccountIDRequired, got %v", err)
	}
}
