// Package factory builds a state.Store from configuration.
package factory

import (
	"fmt"
	"strings"
	"time"

	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/state/hybrid"
	"github.com/runplaneHQ/runplane-go/state/memory"
	redisstore "github.com/runplaneHQ/runplane-go/state/redis"
	sqlitestore "github.com/runplaneHQ/runplane-go/state/sqlite"
)

type Config struct {
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

func New(cfg Config) (state.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return memory.New(), nil

	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "./.runplane/state.db"
		}
		return sqlitestore.New(path)

	case "redis":
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		opts := []redisstore.Option{
			redisstore.WithPassword(cfg.RedisPassword),
			redisstore.WithDB(cfg.RedisDB),
		}
		if cfg.RedisTTL > 0 {
			opts = append(opts, redisstore.WithTTL(cfg.RedisTTL))
		}
		return redisstore.New(addr, opts...)

	case "hybrid":
		path := cfg.SQLitePath
		if path == "" {
			path = "./.runplane/state.db"
		}
		durable, err := sqlitestore.New(path)
		if err != nil {
			return nil, err
		}
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		opts := []redisstore.Option{
			redisstore.WithPassword(cfg.RedisPassword),
			redisstore.WithDB(cfg.RedisDB),
		}
		if cfg.RedisTTL > 0 {
			opts = append(opts, redisstore.WithTTL(cfg.RedisTTL))
		}
		cache, err := redisstore.New(addr, opts...)
		if err != nil {
			_ = durable.Close()
			return nil, err
		}
		return hybrid.New(durable, cache)

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use memory, sqlite, redis, or hybrid)", cfg.Backend)
	}
}
