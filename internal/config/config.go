// Package config loads the server configuration from an optional YAML file
// and environment variables. Environment variables win over the file; unset
// values fall back to defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v2"
)

type (
	Config struct {
		Server    Server    `yaml:"server"`
		Store     Store     `yaml:"store"`
		Redis     Redis     `yaml:"redis"`
		NATS      NATS      `yaml:"nats"`
		Token     Token     `yaml:"token"`
		Scheduler Scheduler `yaml:"scheduler"`
		Log       Log       `yaml:"log"`
	}

	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	}

	Store struct {
		Backend   string        `yaml:"backend"` // memory or redis
		KeyPrefix string        `yaml:"key_prefix"`
		OpTimeout time.Duration `yaml:"op_timeout"`
	}

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	NATS struct {
		URL     string `yaml:"url"` // empty disables event publishing
		Subject string `yaml:"subject"`
	}

	Token struct {
		Secret string        `yaml:"secret"`
		TTL    time.Duration `yaml:"ttl"`
	}

	Scheduler struct {
		Enabled      bool          `yaml:"enabled"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		Interval     time.Duration `yaml:"interval"`
		BatchSize    int64         `yaml:"batch_size"`
	}

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	}
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: Server{
			Port:            9010,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: Store{
			Backend:   BackendMemory,
			KeyPrefix: "users:queue",
			OpTimeout: 2 * time.Second,
		},
		Redis: Redis{Addr: "localhost:6379"},
		NATS:  NATS{Subject: "waitingroom"},
		Token: Token{
			Secret: "change-me-in-production",
			TTL:    300 * time.Second,
		},
		Scheduler: Scheduler{
			Enabled:      true,
			InitialDelay: 5 * time.Second,
			Interval:     3 * time.Second,
			BatchSize:    3,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Token.Secret = getEnv("TOKEN_SECRET", cfg.Token.Secret)
	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.KeyPrefix = getEnv("KEY_PREFIX", cfg.Store.KeyPrefix)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "PORT=%q", v)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "SCHEDULER_ENABLED=%q", v)
		}
		cfg.Scheduler.Enabled = enabled
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return errors.Errorf("invalid server port %d", c.Server.Port)
	case c.Store.Backend != BackendMemory && c.Store.Backend != BackendRedis:
		return errors.Errorf("unknown store backend %q", c.Store.Backend)
	case c.Store.KeyPrefix == "":
		return errors.New("store key prefix must not be empty")
	case c.Token.Secret == "":
		return errors.New("token secret must not be empty")
	case c.Token.TTL <= 0:
		return errors.New("token ttl must be positive")
	case c.Scheduler.Interval <= 0:
		return errors.New("scheduler interval must be positive")
	case c.Scheduler.InitialDelay < 0:
		return errors.New("scheduler initial delay must not be negative")
	case c.Scheduler.BatchSize <= 0:
		return errors.New("scheduler batch size must be positive")
	case c.Log.Format != "text" && c.Log.Format != "json":
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
