// Package bootconfig loads the gateway's process-level settings: store
// DSN, cache/rate-limit backing, and logging. TOML function/variant/model
// configuration is out of the core's scope (spec §1 Non-goals), so this
// package only covers the knobs the process itself needs to come up,
// mirroring the teacher's viper-based conf.Load in spirit (env-first,
// file optional) rather than its full TOML-glob config graph.
package bootconfig

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tensorzero/tensorzero-sub029/internal/cache"
	"github.com/tensorzero/tensorzero-sub029/internal/log"
	"github.com/tensorzero/tensorzero-sub029/internal/observability"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// StoreConfig selects the analytical/transactional store backend.
type StoreConfig struct {
	Dialect store.Dialect
	DSN     string
}

// RateLimitConfig is the default ticket-bucket shape applied to every
// provider unless overridden per-provider (spec §4.7).
type RateLimitConfig struct {
	Enabled        bool
	RedisAddr      string
	ModelInference struct {
		Capacity       int64
		RefillAmount   int64
		RefillInterval time.Duration
	}
	Token struct {
		Capacity       int64
		RefillAmount   int64
		RefillInterval time.Duration
	}
}

// Config is every process-level knob the gateway binary needs.
type Config struct {
	Log           log.Config
	Store         StoreConfig
	Cache         cache.Config
	Observability observability.Config
	RateLimit     RateLimitConfig
}

// Load reads process config from environment variables (prefix
// TENSORZERO_) and an optional config file, falling back to sane
// single-process defaults (in-memory cache, SQLite store, no rate limiting)
// so the binary comes up without any external dependency configured.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("tensorzero")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("gateway")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tensorzero")

	v.SetDefault("log.level", "info")
	v.SetDefault("store.dialect", string(store.DialectSQLite))
	v.SetDefault("store.dsn", "file:tensorzero.db?mode=memory&cache=shared")
	v.SetDefault("cache.mode", "memory")
	v.SetDefault("cache.max_ttl", 24*time.Hour)
	v.SetDefault("observability.chat.batch_size", 100)
	v.SetDefault("observability.chat.flush_interval", time.Second)
	v.SetDefault("observability.chat.max_size", 10000)
	v.SetDefault("observability.json.batch_size", 100)
	v.SetDefault("observability.json.flush_interval", time.Second)
	v.SetDefault("observability.json.max_size", 10000)
	v.SetDefault("observability.model.batch_size", 100)
	v.SetDefault("observability.model.flush_interval", time.Second)
	v.SetDefault("observability.model.max_size", 10000)
	v.SetDefault("rate_limit.enabled", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	cfg := Config{
		Log: log.Config{
			Level:      v.GetString("log.level"),
			JSON:       v.GetBool("log.json"),
			FilePath:   v.GetString("log.file_path"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
		Store: StoreConfig{
			Dialect: store.Dialect(v.GetString("store.dialect")),
			DSN:     v.GetString("store.dsn"),
		},
		Cache: cache.Config{
			Mode:   v.GetString("cache.mode"),
			MaxTTL: v.GetDuration("cache.max_ttl"),
		},
		Observability: observability.Config{
			ChatInference: observability.TableConfig{
				BatchSize:     v.GetInt("observability.chat.batch_size"),
				FlushInterval: v.GetDuration("observability.chat.flush_interval"),
				MaxSize:       v.GetInt("observability.chat.max_size"),
			},
			JsonInference: observability.TableConfig{
				BatchSize:     v.GetInt("observability.json.batch_size"),
				FlushInterval: v.GetDuration("observability.json.flush_interval"),
				MaxSize:       v.GetInt("observability.json.max_size"),
			},
			ModelInference: observability.TableConfig{
				BatchSize:     v.GetInt("observability.model.batch_size"),
				FlushInterval: v.GetDuration("observability.model.flush_interval"),
				MaxSize:       v.GetInt("observability.model.max_size"),
			},
		},
	}

	cfg.RateLimit.Enabled = v.GetBool("rate_limit.enabled")
	cfg.RateLimit.RedisAddr = v.GetString("rate_limit.redis_addr")
	cfg.RateLimit.ModelInference.Capacity = v.GetInt64("rate_limit.model_inference.capacity")
	cfg.RateLimit.ModelInference.RefillAmount = v.GetInt64("rate_limit.model_inference.refill_amount")
	cfg.RateLimit.ModelInference.RefillInterval = v.GetDuration("rate_limit.model_inference.refill_interval")
	cfg.RateLimit.Token.Capacity = v.GetInt64("rate_limit.token.capacity")
	cfg.RateLimit.Token.RefillAmount = v.GetInt64("rate_limit.token.refill_amount")
	cfg.RateLimit.Token.RefillInterval = v.GetDuration("rate_limit.token.refill_interval")

	return cfg, nil
}
