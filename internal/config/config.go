package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from an optional YAML file and
// overridden by environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Audit    AuditConfig    `yaml:"audit"`
	Engine   EngineConfig   `yaml:"engine"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	LogLevel string         `yaml:"logLevel"`
}

type ServerConfig struct {
	Port            int    `yaml:"port"`
	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type CacheConfig struct {
	TTL string `yaml:"ttl"`
}

type AuditConfig struct {
	QueueSize int `yaml:"queueSize"`
}

type EngineConfig struct {
	// DefaultFailMode and FailModes choose fail-open/fail-closed/fail-error
	// behavior per module when the rule store is unreachable.
	DefaultFailMode string            `yaml:"defaultFailMode"`
	FailModes       map[string]string `yaml:"failModes"`
}

type MetricsConfig struct {
	// Retention bounds how long windowed aggregates are kept in memory.
	Retention string `yaml:"retention"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: "10s"},
		Cache:    CacheConfig{TTL: "5m"},
		Audit:    AuditConfig{QueueSize: 1024},
		Engine:   EngineConfig{DefaultFailMode: "fail-error"},
		Metrics:  MetricsConfig{Retention: "24h"},
		LogLevel: "INFO",
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if _, err := cfg.CacheTTL(); err != nil {
		return nil, err
	}
	if _, err := cfg.ShutdownTimeout(); err != nil {
		return nil, err
	}
	if _, err := cfg.MetricsRetention(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		c.Cache.TTL = v
	}
	if v := os.Getenv("AUDIT_QUEUE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.Audit.QueueSize = size
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// CacheTTL parses the cache TTL.
func (c *Config) CacheTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.Cache.TTL)
	if err != nil {
		return 0, fmt.Errorf("bad cache ttl %q: %w", c.Cache.TTL, err)
	}
	return d, nil
}

// ShutdownTimeout parses the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("bad shutdown timeout %q: %w", c.Server.ShutdownTimeout, err)
	}
	return d, nil
}

// MetricsRetention parses the metrics retention window.
func (c *Config) MetricsRetention() (time.Duration, error) {
	d, err := time.ParseDuration(c.Metrics.Retention)
	if err != nil {
		return 0, fmt.Errorf("bad metrics retention %q: %w", c.Metrics.Retention, err)
	}
	return d, nil
}
