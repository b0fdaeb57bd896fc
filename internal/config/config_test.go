package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.PingPeriod != 54*time.Second {
		t.Fatalf("relay.ping_period=%v, want 54s", cfg.Relay.PingPeriod)
	}
	if cfg.Relay.Initiator != "A" || cfg.Relay.Responder != "B" {
		t.Fatalf("pair=%q/%q, want A/B", cfg.Relay.Initiator, cfg.Relay.Responder)
	}
	if cfg.Endpoint.RetryBackoff != 3*time.Second {
		t.Fatalf("retry_backoff=%v, want 3s", cfg.Endpoint.RetryBackoff)
	}
	if cfg.Endpoint.RelayReadTimeout != 108*time.Second {
		t.Fatalf("relay_read_timeout=%v, want 108s", cfg.Endpoint.RelayReadTimeout)
	}
	if cfg.Endpoint.Audio.Capacity != 5 || cfg.Endpoint.Audio.Warmup != 2 {
		t.Fatalf("audio=%+v, want capacity 5 warmup 2", cfg.Endpoint.Audio)
	}
}

func TestLoad_FileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoint.yaml")
	body := []byte("endpoint:\n  identity: usera\n  role: initiator\n  retry_backoff: 5s\nrelay:\n  allowed: [usera, userb]\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	fs := EndpointFlags()
	if err := fs.Parse([]string{"--config", path, "--identity", "userb", "--peer", "usera"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Endpoint.Identity != "userb" {
		t.Fatalf("identity=%q, want flag value userb", cfg.Endpoint.Identity)
	}
	if cfg.Endpoint.Role != "initiator" {
		t.Fatalf("role=%q, want initiator from file", cfg.Endpoint.Role)
	}
	if cfg.Endpoint.Peer != "usera" {
		t.Fatalf("peer=%q, want usera", cfg.Endpoint.Peer)
	}
	if cfg.Endpoint.RetryBackoff != 5*time.Second {
		t.Fatalf("retry_backoff=%v, want 5s", cfg.Endpoint.RetryBackoff)
	}
	if len(cfg.Relay.Allowed) != 2 {
		t.Fatalf("allowed=%v, want 2 entries", cfg.Relay.Allowed)
	}
}

func TestLoad_ServerPortFlagFollowsBinary(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	fs := ServerFlags("gateway")
	if err := fs.Parse([]string{"--port", "9100", "--log", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Fatalf("gateway.port=%d, want 9100", cfg.Gateway.Port)
	}
	if cfg.Relay.Port != 8765 {
		t.Fatalf("relay.port=%d, want default 8765", cfg.Relay.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level=%q, want debug", cfg.LogLevel)
	}
}

func TestLoad_EnvOverridesKeysWithoutDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	t.Setenv("INTERCOM_GATEWAY_PASSWORD", "pw")
	t.Setenv("INTERCOM_GATEWAY_JWT_SECRET", "gw-secret")
	t.Setenv("INTERCOM_RELAY_JWT_SECRET", "relay-secret")
	t.Setenv("INTERCOM_RELAY_REDIS_ADDR", "localhost:6379")
	t.Setenv("INTERCOM_ENDPOINT_IDENTITY", "userb")
	t.Setenv("INTERCOM_RELAY_PING_PERIOD", "10s")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Password != "pw" || cfg.Gateway.JWTSecret != "gw-secret" {
		t.Fatalf("gateway secrets=%q/%q, want values from env", cfg.Gateway.Password, cfg.Gateway.JWTSecret)
	}
	if cfg.Relay.JWTSecret != "relay-secret" {
		t.Fatalf("relay.jwt_secret=%q, want relay-secret", cfg.Relay.JWTSecret)
	}
	if !cfg.Relay.Redis.Enabled() || cfg.Relay.Redis.Addr != "localhost:6379" {
		t.Fatalf("relay.redis=%+v, want addr from env", cfg.Relay.Redis)
	}
	if cfg.Endpoint.Identity != "userb" {
		t.Fatalf("endpoint.identity=%q, want userb", cfg.Endpoint.Identity)
	}
	if cfg.Relay.PingPeriod != 10*time.Second {
		t.Fatalf("relay.ping_period=%v, want 10s", cfg.Relay.PingPeriod)
	}
	if cfg.Gateway.Redis.Enabled() {
		t.Fatalf("gateway.redis=%+v, want disabled", cfg.Gateway.Redis)
	}
}
