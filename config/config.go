// Package config loads service settings from an optional YAML file layered
// over defaults, then applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	MQ       MQConfig       `yaml:"mq"`
	Relay    RelayConfig    `yaml:"relay"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL                string        `yaml:"url"`
	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	MaxConnIdleTime    time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime    time.Duration `yaml:"max_conn_lifetime"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	OperationTimeout   time.Duration `yaml:"operation_timeout"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`

	// File, when set, also writes JSON logs to a rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RedisConfig backs the relay's publish deduplication. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

type MQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type RelayConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	MetricsAddr string        `yaml:"metrics_addr"` // empty disables the relay's /metrics listener
}

// Default returns the settings used when neither file nor environment say otherwise.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:           10,
			MinConns:           2,
			MaxConnIdleTime:    time.Minute,
			MaxConnLifetime:    30 * time.Minute,
			PingTimeout:        2 * time.Second,
			OperationTimeout:   5 * time.Second,
			SlowQueryThreshold: 100 * time.Millisecond,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		MQ: MQConfig{
			Exchange: "bactrack.events",
		},
		Relay: RelayConfig{
			Interval:    2 * time.Second,
			BatchSize:   50,
			MaxAttempts: 5,
			MetricsAddr: ":9091",
		},
		Redis: RedisConfig{
			DedupTTL: 24 * time.Hour,
		},
	}
}

// Load reads path (when non-empty) over Default, applies environment
// overrides and validates the result. A missing file at the default path is
// not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = GetEnv("CONFIG_FILE", "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := OverrideFromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// OverrideFromEnv applies the supported environment variables on top of cfg.
func OverrideFromEnv(cfg *Config) error {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: parse DATABASE_MAX_CONNS: %w", err)
		}
		cfg.Database.MaxConns = int32(n)
	}
	if v := os.Getenv("DATABASE_OPERATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse DATABASE_OPERATION_TIMEOUT: %w", err)
		}
		cfg.Database.OperationTimeout = d
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MQ_URL"); v != "" {
		cfg.MQ.URL = v
	}
	return nil
}

func (c Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url (DATABASE_URL) is required")
	}
	if c.Database.MaxConns < 1 {
		return errors.New("config: database.max_conns must be >= 1")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return errors.New("config: database.min_conns must be between 0 and max_conns")
	}
	if c.Database.OperationTimeout <= 0 {
		return errors.New("config: database.operation_timeout must be positive")
	}
	if c.Database.PingTimeout <= 0 {
		return errors.New("config: database.ping_timeout must be positive")
	}
	if c.Relay.BatchSize < 1 {
		return errors.New("config: relay.batch_size must be >= 1")
	}
	if c.Relay.MaxAttempts < 1 {
		return errors.New("config: relay.max_attempts must be >= 1")
	}
	if c.Relay.Interval <= 0 {
		return errors.New("config: relay.interval must be positive")
	}
	if c.Redis.Addr != "" && c.Redis.DedupTTL <= 0 {
		return errors.New("config: redis.dedup_ttl must be positive when redis.addr is set")
	}
	return nil
}

// GetEnv returns the environment value for key or def when unset.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
