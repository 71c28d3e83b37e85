// Package config loads relay mesh configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all process configuration recognized by the relay mesh.
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Shard topology
	RelayCount             uint32 `env:"RELAY_COUNT" envDefault:"3"`
	RelayStartID           uint32 `env:"RELAY_START_ID" envDefault:"1"`
	MaxConnectionsPerRelay int    `env:"MAX_CONNECTIONS_PER_RELAY" envDefault:"800"`

	// Identity
	PodName string `env:"POD_NAME"`

	// Bus
	RedisClusterNodes string `env:"REDIS_CLUSTER_NODES" envDefault:"localhost:6379"`
	// RedisFallbackNodes are tried, in order, only if every primary node
	// in RedisClusterNodes fails its construction-time PING.
	RedisFallbackNodes string `env:"REDIS_FALLBACK_NODES" envDefault:"redis.default.svc.cluster.local:6379,redis-service:6379,localhost:6379"`

	// Pod-level gateway forwarding
	PodPeers string `env:"POD_PEERS" envDefault:""`

	// Listening
	Addr string `env:"RELAY_ADDR" envDefault:"0.0.0.0:9002"`

	// Timers (exposed as tunables for tests)
	ShardHeartbeatInterval time.Duration `env:"SHARD_HEARTBEAT_INTERVAL" envDefault:"15s"`
	ShardHealthInterval    time.Duration `env:"SHARD_HEALTH_INTERVAL" envDefault:"30s"`
	ShardHealthRetryDelay  time.Duration `env:"SHARD_HEALTH_RETRY_DELAY" envDefault:"5s"`
	BusPumpInterval        time.Duration `env:"BUS_PUMP_INTERVAL" envDefault:"5ms"`
	BusPumpBatchSize       int           `env:"BUS_PUMP_BATCH_SIZE" envDefault:"10"`
	SubscriptionBackoff    time.Duration `env:"SUBSCRIPTION_BACKOFF" envDefault:"3s"`
	SessionPingInterval    time.Duration `env:"SESSION_PING_INTERVAL" envDefault:"6s"`
	SessionClientTimeout   time.Duration `env:"SESSION_CLIENT_TIMEOUT" envDefault:"12s"`
	UserLocationTTL        time.Duration `env:"USER_LOCATION_TTL" envDefault:"300s"`
	MetricsPumpInterval    time.Duration `env:"METRICS_PUMP_INTERVAL" envDefault:"10s"`
	PodStaleAfter          time.Duration `env:"POD_STALE_AFTER" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and then the
// process environment. Priority: env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.PodName == "" {
		cfg.PodName = fmt.Sprintf("pod-%d", os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// RedisEndpoints splits the comma-separated REDIS_CLUSTER_NODES value.
func (c *Config) RedisEndpoints() []string {
	return splitCSV(c.RedisClusterNodes)
}

// RedisFallbackEndpoints splits the comma-separated REDIS_FALLBACK_NODES value.
func (c *Config) RedisFallbackEndpoints() []string {
	return splitCSV(c.RedisFallbackNodes)
}

// PodPeerList splits the comma-separated POD_PEERS value.
func (c *Config) PodPeerList() []string {
	return splitCSV(c.PodPeers)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.RelayCount == 0 {
		return fmt.Errorf("RELAY_COUNT must be > 0")
	}
	if c.MaxConnectionsPerRelay < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_RELAY must be > 0, got %d", c.MaxConnectionsPerRelay)
	}
	if len(c.RedisEndpoints()) == 0 {
		return fmt.Errorf("REDIS_CLUSTER_NODES must name at least one endpoint")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the resolved configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("pod_name", c.PodName).
		Uint32("relay_count", c.RelayCount).
		Uint32("relay_start_id", c.RelayStartID).
		Int("max_connections_per_relay", c.MaxConnectionsPerRelay).
		Str("redis_cluster_nodes", c.RedisClusterNodes).
		Str("redis_fallback_nodes", c.RedisFallbackNodes).
		Str("pod_peers", c.PodPeers).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("relay mesh configuration loaded")
}
