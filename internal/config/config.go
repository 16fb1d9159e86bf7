// Package config loads service settings from defaults, an optional
// bastion.yaml and BASTION_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"` // empty disables the gRPC health server
	AdminToken      string        `mapstructure:"admin_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`

	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Hash      HashConfig      `mapstructure:"hash"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory, sqlite or postgres
	DSN         string `mapstructure:"dsn"` // file path for sqlite
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

type AuditConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	FallbackPath string        `mapstructure:"fallback_path"`
	MaxSizeMB    int           `mapstructure:"max_size_mb"`
	MaxBackups   int           `mapstructure:"max_backups"`
	MaxAgeDays   int           `mapstructure:"max_age_days"`
	Compress     bool          `mapstructure:"compress"`
}

// PolicyConfig is the policy of tenants that never stored one.
type PolicyConfig struct {
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
	SessionLifetime  time.Duration `mapstructure:"session_lifetime"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	MinSecretLength  int           `mapstructure:"min_secret_length"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

// HashConfig tunes argon2id for new and re-hashed secrets.
type HashConfig struct {
	Time      uint32 `mapstructure:"argon2_time"`
	MemoryKiB uint32 `mapstructure:"argon2_memory_kib"`
	Threads   uint8  `mapstructure:"argon2_threads"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("admin_token", "")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("max_body_bytes", 64<<10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./data/bastion.db")
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("store.max_retries", 8)

	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.write_timeout", "5s")
	v.SetDefault("audit.fallback_path", "")
	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.max_age_days", 30)
	v.SetDefault("audit.compress", true)

	v.SetDefault("policy.lockout_threshold", 5)
	v.SetDefault("policy.lockout_duration", "15m")
	v.SetDefault("policy.session_lifetime", "8h")
	v.SetDefault("policy.idle_timeout", "30m")
	v.SetDefault("policy.min_secret_length", 8)
	v.SetDefault("policy.cache_ttl", "30s")

	v.SetDefault("hash.argon2_time", 3)
	v.SetDefault("hash.argon2_memory_kib", 64*1024)
	v.SetDefault("hash.argon2_threads", 4)

	v.SetDefault("rate_limit.per_second", 5)
	v.SetDefault("rate_limit.burst", 10)
}

// Load reads the configuration. An explicit path must exist; without one
// bastion.yaml is looked up in the working directory and /etc/bastion.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bastion")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bastion/")
	}

	v.SetEnvPrefix("BASTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.HTTPAddr == "" {
		return errors.New("config: http_addr is required")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: max_body_bytes must be positive")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("config: rate_limit needs positive per_second and burst")
	}
	if c.Audit.QueueSize <= 0 {
		return errors.New("config: audit.queue_size must be positive")
	}
	return nil
}
