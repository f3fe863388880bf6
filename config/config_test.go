package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GatewayID == "" {
		t.Fatal("gateway id not defaulted")
	}
	if cfg.HTTPAddr != ":8090" || cfg.Broker != "redis" {
		t.Fatalf("defaults = %q %q", cfg.HTTPAddr, cfg.Broker)
	}
	if cfg.Gateway.HeartbeatInterval != 25*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.MaxConnsPerUser != 5 {
		t.Fatalf("max conns = %d", cfg.Gateway.MaxConnsPerUser)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	raw := []byte(`
gateway_id: gw-file
http_addr: ":9000"
broker: nats
gateway:
  heartbeat_interval: 10s
  presence_grace: 5s
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GATEWAY_ID", "gw-env")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GatewayID != "gw-env" {
		t.Fatalf("gateway id = %q, env must win over the file", cfg.GatewayID)
	}
	if cfg.HTTPAddr != ":9000" || cfg.Broker != "nats" {
		t.Fatalf("file values lost: %q %q", cfg.HTTPAddr, cfg.Broker)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Gateway.HeartbeatInterval != 10*time.Second || cfg.Gateway.PresenceGrace != 5*time.Second {
		t.Fatalf("gateway tunables = %+v", cfg.Gateway)
	}
	// anything the file left out still gets a default
	if cfg.Gateway.VoiceTTL != 90*time.Second {
		t.Fatalf("voice ttl = %v", cfg.Gateway.VoiceTTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file not reported")
	}
}
