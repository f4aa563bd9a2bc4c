// Package config loads service configuration from an optional YAML file
// and DM_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DM_REDIS_ADDR.
const EnvPrefix = "DM"

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name      string `mapstructure:"name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	Name             string        `mapstructure:"name"`
	WorkerPoolSize   int           `mapstructure:"worker_pool_size"`
	MaxConnections   int           `mapstructure:"max_connections"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	// PresenceInterval is how often open inboxes re-read peer presence.
	PresenceInterval time.Duration `mapstructure:"presence_interval"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig selects the durable store. An empty URL runs the
// in-memory store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Migrate         bool          `mapstructure:"migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type PipelineConfig struct {
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Grace         time.Duration `mapstructure:"grace"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	EventBuffer   int           `mapstructure:"event_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var defaults = map[string]any{
	"app.name":       "dmserver",
	"app.log_level":  "info",
	"app.log_format": "json",

	"server.listen_addr":       ":8080",
	"server.name":              "",
	"server.worker_pool_size":  256,
	"server.max_connections":   100000,
	"server.read_timeout":      10 * time.Second,
	"server.write_timeout":     10 * time.Second,
	"server.shutdown_timeout":  5 * time.Second,
	"server.presence_interval": 15 * time.Second,

	"nats.url":            "nats://localhost:4222",
	"nats.max_reconnects": -1,
	"nats.reconnect_wait": 2 * time.Second,

	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"database.url":               "",
	"database.migrate":           true,
	"database.max_open_conns":    20,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": 30 * time.Minute,

	"auth.secret":    "",
	"auth.token_ttl": 24 * time.Hour,

	"pipeline.send_timeout":   5 * time.Second,
	"pipeline.retry_backoff":  500 * time.Millisecond,
	"pipeline.grace":          10 * time.Second,
	"pipeline.sweep_interval": time.Second,
	"pipeline.event_buffer":   64,

	"metrics.enabled": true,
	"metrics.path":    "/metrics",
}

// Load reads configuration from path (skipped when empty) and applies
// environment overrides. Every key has a default, so Load("") yields a
// usable local configuration apart from auth.secret.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is empty"))
	}
	if c.Server.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("server.worker_pool_size must be positive"))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("server.max_connections must be positive"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Pipeline.SendTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.send_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
