// Package config loads the control plane's runtime configuration: defaults,
// then an optional YAML file, then RUNPLANE_* environment overrides, in that
// order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Compactor CompactorConfig `yaml:"compactor"`
	Bus       BusConfig       `yaml:"bus"`
	Trace     TraceConfig     `yaml:"trace"`
	Reaper    ReaperConfig    `yaml:"reaper"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend"` // memory, sqlite, redis, hybrid
	SQLitePath    string `yaml:"sqlitePath"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	RedisTTLHours int    `yaml:"redisTtlHours"`
}

type CompactorConfig struct {
	BudgetTokens int `yaml:"budgetTokens"`
	KeepLast     int `yaml:"keepLast"`
}

type BusConfig struct {
	Retention        int `yaml:"retention"`
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

type TraceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlitePath"`
	OTel       bool   `yaml:"otel"`
}

type ReaperConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	MaxAgeMinutes int    `yaml:"maxAgeMinutes"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
		Store:  StoreConfig{Backend: "memory", RedisTTLHours: 72},
		Reaper: ReaperConfig{Schedule: "@every 5m", MaxAgeMinutes: 24 * 60},
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields
// defaults plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q as YAML: %w", absPath, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	c.Server.Addr = ParseStringEnv("RUNPLANE_ADDR", c.Server.Addr)
	c.Store.Backend = ParseStringEnv("RUNPLANE_STORE_BACKEND", c.Store.Backend)
	c.Store.SQLitePath = ParseStringEnv("RUNPLANE_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.RedisAddr = ParseStringEnv("RUNPLANE_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = ParseStringEnv("RUNPLANE_REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = ParseIntEnv("RUNPLANE_REDIS_DB", c.Store.RedisDB)
	c.Compactor.BudgetTokens = ParseIntEnv("RUNPLANE_COMPACT_BUDGET", c.Compactor.BudgetTokens)
	c.Compactor.KeepLast = ParseIntEnv("RUNPLANE_COMPACT_KEEP_LAST", c.Compactor.KeepLast)
	c.Bus.Retention = ParseIntEnv("RUNPLANE_BUS_RETENTION", c.Bus.Retention)
	c.Trace.Enabled = ParseBoolEnv("RUNPLANE_TRACE_ENABLED", c.Trace.Enabled)
	c.Trace.SQLitePath = ParseStringEnv("RUNPLANE_TRACE_SQLITE_PATH", c.Trace.SQLitePath)
	c.Trace.OTel = ParseBoolEnv("RUNPLANE_TRACE_OTEL", c.Trace.OTel)
	c.Reaper.Enabled = ParseBoolEnv("RUNPLANE_REAPER_ENABLED", c.Reaper.Enabled)
	c.Reaper.Schedule = ParseStringEnv("RUNPLANE_REAPER_SCHEDULE", c.Reaper.Schedule)
	c.Reaper.MaxAgeMinutes = ParseIntEnv("RUNPLANE_REAPER_MAX_AGE_MINUTES", c.Reaper.MaxAgeMinutes)
}

func (c *Config) validate() error {
	backend := strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch backend {
	case "", "memory", "sqlite", "redis", "hybrid":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if (backend == "sqlite" || backend == "hybrid") && strings.TrimSpace(c.Store.SQLitePath) == "" {
		return fmt.Errorf("store.sqlitePath is required for the %s backend", backend)
	}
	if (backend == "redis" || backend == "hybrid") && strings.TrimSpace(c.Store.RedisAddr) == "" {
		return fmt.Errorf("store.redisAddr is required for the %s backend", backend)
	}
	if c.Trace.Enabled && strings.TrimSpace(c.Trace.SQLitePath) == "" {
		return fmt.Errorf("trace.sqlitePath is required when tracing is enabled")
	}
	return nil
}
