// Package config loads engine configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration lets YAML carry human-readable values like "30s".
type Duration time.Duration

// UnmarshalYAML accepts either integer seconds or a duration string.
// The int probe runs first: yaml decodes any scalar into a string, so
// the order matters.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// D converts to the standard type.
func (d Duration) D() time.Duration { return time.Duration(d) }

// ServerConfig is the HTTP listen surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PostgresConfig is the order store connection. Disabled means the
// engine runs on the in-memory store (dev mode).
type PostgresConfig struct {
	Enabled      bool     `yaml:"enabled"`
	DSN          string   `yaml:"dsn"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

// RedisConfig backs the queue and hot cache. Disabled means in-memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig tunes the worker pool.
type QueueConfig struct {
	Concurrency       int      `yaml:"concurrency"`
	RatePerMinute     int      `yaml:"rate_per_minute"`
	MaxRetryAttempts  int      `yaml:"max_retry_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
}

// VenueConfig parameterizes one simulated venue.
type VenueConfig struct {
	FeeRate   float64  `yaml:"fee_rate"`
	PriceMin  float64  `yaml:"price_min"`
	PriceMax  float64  `yaml:"price_max"`
	Liquidity float64  `yaml:"liquidity"`
	DelayMin  Duration `yaml:"delay_min"`
	DelayMax  Duration `yaml:"delay_max"`
}

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Postgres PostgresConfig         `yaml:"postgres"`
	Redis    RedisConfig            `yaml:"redis"`
	Queue    QueueConfig            `yaml:"queue"`
	Venues   map[string]VenueConfig `yaml:"venues"`
	LogLevel string                 `yaml:"log_level"`
}

// Default returns the dev-mode configuration: in-memory store, queue,
// and cache, both reference venues registered.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Postgres: PostgresConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			QueryTimeout: Duration(30 * time.Second),
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Concurrency:       10,
			RatePerMinute:     100,
			MaxRetryAttempts:  3,
			BaseDelay:         Duration(time.Second),
			MaxDelay:          Duration(30 * time.Second),
			VisibilityTimeout: Duration(60 * time.Second),
		},
		LogLevel: "info",
	}
}

// Load reads path (optional) over the defaults, then applies env
// overrides. Empty path means defaults + env only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv maps DEXRUN_* variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("DEXRUN_HTTP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("DEXRUN_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("DEXRUN_PG_DSN"); v != "" {
		c.Postgres.DSN = v
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("DEXRUN_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("DEXRUN_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DEXRUN_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("DEXRUN_QUEUE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.RatePerMinute = n
		}
	}
	if v := os.Getenv("DEXRUN_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("DEXRUN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
