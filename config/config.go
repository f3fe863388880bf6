package config

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the whole gateway process configuration, loaded from a YAML
// file with environment overrides for anything deployment-specific.
type Config struct {
	GatewayID string `yaml:"gateway_id"`
	HTTPAddr  string `yaml:"http_addr"`
	NodeID    int64  `yaml:"node_id"`

	JWTSecret string `yaml:"jwt_secret"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`

	// Broker selects the pub/sub substrate: "redis" (default) or "nats".
	Broker string `yaml:"broker"`

	NATS struct {
		Servers []string `yaml:"servers"`
	} `yaml:"nats"`

	Gateway GatewayConf `yaml:"gateway"`
}

// GatewayConf holds the realtime tunables. The connection cap and the voice
// auto-subscribe behavior are policy, not configuration, but the cap is
// surfaced here so operators can lower it.
type GatewayConf struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissedBeatLimit   int           `yaml:"missed_beat_limit"`
	MaxConnsPerUser   int           `yaml:"max_conns_per_user"`
	UnauthTTL         time.Duration `yaml:"unauth_ttl"`
	SweepEvery        time.Duration `yaml:"sweep_every"`
	PresenceGrace     time.Duration `yaml:"presence_grace"`
	PresenceTTL       time.Duration `yaml:"presence_ttl"`
	VoiceTTL          time.Duration `yaml:"voice_ttl"`
}

func (c *GatewayConf) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.MissedBeatLimit <= 0 {
		c.MissedBeatLimit = 3
	}
	if c.MaxConnsPerUser <= 0 {
		c.MaxConnsPerUser = 5
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.PresenceGrace <= 0 {
		c.PresenceGrace = 30 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 90 * time.Second
	}
	if c.VoiceTTL <= 0 {
		c.VoiceTTL = 90 * time.Second
	}
}

func (c *Config) norm() {
	if c.GatewayID == "" {
		c.GatewayID = "gw-" + uuid.NewString()[:8]
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8090"
	}
	if c.NodeID <= 0 {
		c.NodeID = 1
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 16
	}
	if c.Broker == "" {
		c.Broker = "redis"
	}
	if len(c.NATS.Servers) == 0 {
		c.NATS.Servers = []string{"nats://127.0.0.1:4222"}
	}
	c.Gateway.norm()
}

// Load reads the YAML file at path (optional, may be "") then applies env
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if v := os.Getenv("GATEWAY_ID"); v != "" {
		cfg.GatewayID = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("NATS_SERVERS"); v != "" {
		cfg.NATS.Servers = []string{v}
	}

	cfg.norm()
	return cfg, nil
}
