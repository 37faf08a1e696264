// Package config loads service configuration from .env, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickhouse = "clickhouse"
)

// Config holds the service configuration.
type Config struct {
	Finnhub FinnhubConfig `mapstructure:",squash"`
	Storage StorageConfig `mapstructure:",squash"`
	Stream  StreamConfig  `mapstructure:",squash"`
	Kafka   KafkaConfig   `mapstructure:",squash"`

	HTTPAddr     string        `mapstructure:"http_addr"`
	LogLevel     string        `mapstructure:"log_level"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// FinnhubConfig configures the upstream feed connection.
type FinnhubConfig struct {
	APIKey             string        `mapstructure:"finnhub_api_key"`
	WSURL              string        `mapstructure:"finnhub_ws_url"`
	HeartbeatInterval  time.Duration `mapstructure:"finnhub_heartbeat_interval"`
	StaleAfter         time.Duration `mapstructure:"finnhub_stale_after"`
	ReconnectBaseDelay time.Duration `mapstructure:"finnhub_reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"finnhub_reconnect_max_delay"`
}

// StorageConfig selects and configures persistence.
type StorageConfig struct {
	Backend       string `mapstructure:"storage_backend"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	ClickhouseDSN string `mapstructure:"clickhouse_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
}

// StreamConfig configures downstream sessions.
type StreamConfig struct {
	SendBuffer int `mapstructure:"session_send_buffer"`
}

// KafkaConfig configures the optional rate update sink. Disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"kafka_brokers"`
	Topic   string   `mapstructure:"kafka_topic"`
}

var defaults = map[string]any{
	"finnhub_api_key":              "",
	"finnhub_ws_url":               "wss://ws.finnhub.io",
	"finnhub_heartbeat_interval":   "30s",
	"finnhub_stale_after":          "60s",
	"finnhub_reconnect_base_delay": "1s",
	"finnhub_reconnect_max_delay":  "60s",
	"storage_backend":              BackendMemory,
	"postgres_dsn":                 "",
	"clickhouse_dsn":               "",
	"redis_addr":                   "",
	"session_send_buffer":          64,
	"kafka_brokers":                []string{},
	"kafka_topic":                  "rate-updates",
	"http_addr":                    ":3001",
	"log_level":                    "info",
	"flush_timeout":                "10s",
}

// Load reads .env (if present), then the YAML file at path (if non-empty and present),
// then environment variables, which take precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
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

// Validate checks required values and value ranges.
func (c *Config) Validate() error {
	if c.Finnhub.APIKey == "" {
		return errors.New("FINNHUB_API_KEY is required")
	}
	if c.Finnhub.WSURL == "" {
		return errors.New("FINNHUB_WS_URL is required")
	}
	if c.Finnhub.HeartbeatInterval <= 0 || c.Finnhub.StaleAfter <= 0 {
		return errors.New("heartbeat interval and stale threshold must be positive")
	}
	if c.Finnhub.ReconnectBaseDelay <= 0 || c.Finnhub.ReconnectMaxDelay < c.Finnhub.ReconnectBaseDelay {
		return fmt.Errorf("invalid reconnect delays: base=%s max=%s",
			c.Finnhub.ReconnectBaseDelay, c.Finnhub.ReconnectMaxDelay)
	}
	if c.FlushTimeout <= 0 {
		return errors.New("FLUSH_TIMEOUT must be positive")
	}
	if c.Stream.SendBuffer <= 0 {
		return errors.New("SESSION_SEND_BUFFER must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for postgres backend")
		}
	case BackendClickhouse:
		if c.Storage.ClickhouseDSN == "" {
			return errors.New("CLICKHOUSE_DSN is required for clickhouse backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
