// Package appconfig loads process configuration for the unread services from
// an optional YAML file, an optional .env file and UNREAD_* environment
// variables, in that order of precedence (environment wins).
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "UNREAD"

type Config struct {
	Log struct {
		Level  string `yaml:"level" split_words:"true"`
		Pretty bool   `yaml:"pretty" split_words:"true"`
	} `yaml:"log"`

	Counter struct {
		Addr    string `yaml:"addr" split_words:"true"`
		BaseURL string `yaml:"base_url" split_words:"true"`
	} `yaml:"counter"`

	Gateway struct {
		Addr         string   `yaml:"addr" split_words:"true"`
		MetricsAddr  string   `yaml:"metrics_addr" split_words:"true"`
		AllowOrigins []string `yaml:"allow_origins" split_words:"true"`
	} `yaml:"gateway"`

	NATS struct {
		URL      string `yaml:"url" split_words:"true"`
		Stream   string `yaml:"stream" split_words:"true"`
		Consumer string `yaml:"consumer" split_words:"true"`
		Replica  string `yaml:"replica" split_words:"true"`
		Subject  string `yaml:"subject" split_words:"true"`
	} `yaml:"nats"`

	Outbox struct {
		Enabled      bool          `yaml:"enabled" split_words:"true"`
		PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
		BatchSize    int           `yaml:"batch_size" split_words:"true"`
	} `yaml:"outbox"`

	Persist struct {
		Backend    string        `yaml:"backend" split_words:"true"`
		SQLitePath string        `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
		RedisAddr  string        `yaml:"redis_addr" split_words:"true"`
		RedisDB    int           `yaml:"redis_db" envconfig:"REDIS_DB"`
		RedisTTL   time.Duration `yaml:"redis_ttl" envconfig:"REDIS_TTL"`
	} `yaml:"persist"`

	Engine struct {
		FreezeWindow      time.Duration `yaml:"freeze_window" split_words:"true"`
		ClearDelay        time.Duration `yaml:"clear_delay" split_words:"true"`
		Failsafe          time.Duration `yaml:"failsafe" split_words:"true"`
		GuestPollInterval time.Duration `yaml:"guest_poll_interval" split_words:"true"`
		AdminPollInterval time.Duration `yaml:"admin_poll_interval" split_words:"true"`
		DedupeWindow      int           `yaml:"dedupe_window" split_words:"true"`
	} `yaml:"engine"`
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.Log.Level = "info"
	cfg.Counter.Addr = ":8080"
	cfg.Counter.BaseURL = "http://localhost:8080"
	cfg.Gateway.Addr = ":8081"
	cfg.Gateway.MetricsAddr = ":9091"
	cfg.Gateway.AllowOrigins = []string{"*"}
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Stream = "UNREAD_MESSAGES"
	cfg.NATS.Consumer = "unread-gateway"
	cfg.NATS.Subject = "unread.messages.>"
	cfg.Outbox.Enabled = true
	cfg.Outbox.PollInterval = time.Second
	cfg.Outbox.BatchSize = 100
	cfg.Persist.Backend = BackendSQLite
	cfg.Persist.SQLitePath = "unread.sqlite"
	cfg.Persist.RedisAddr = "localhost:6379"
	cfg.Engine.FreezeWindow = 240 * time.Millisecond
	cfg.Engine.ClearDelay = 100 * time.Millisecond
	cfg.Engine.Failsafe = 2 * time.Second
	cfg.Engine.GuestPollInterval = 30 * time.Second
	cfg.Engine.AdminPollInterval = 60 * time.Second
	cfg.Engine.DedupeWindow = 128
	return cfg
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Persist.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown persist backend %q", c.Persist.Backend)
	}
	if c.Outbox.Enabled && c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive")
	}
	if c.Engine.DedupeWindow < 0 {
		return fmt.Errorf("dedupe window must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// SetupLogging applies the log settings to the global zerolog logger.
func (c *Config) SetupLogging() {
	if c.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
