// Package config provides application configuration loading and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides.
// REPLYGATE_SERVER__PORT=8080 maps to server.port.
const envPrefix = "REPLYGATE_"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig        `koanf:"server"`
	Log       LogConfig           `koanf:"log"`
	Database  DatabaseConfig      `koanf:"database"`
	Redis     RedisConfig         `koanf:"redis"`
	Graph     GraphConfig         `koanf:"graph"`
	Webhook   WebhookConfig       `koanf:"webhook"`
	Intake    IntakeConfig        `koanf:"intake"`
	Worker    WorkerConfig        `koanf:"worker"`
	Fetch     FetchConfig         `koanf:"fetch"`
	Dedup     DedupConfig         `koanf:"dedup"`
	AllowList AllowListConfig     `koanf:"allowlist"`
	Pipeline  PipelineConfig      `koanf:"pipeline"`
	Subs      SubscriptionsConfig `koanf:"subscriptions"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// DatabaseConfig contains PostgreSQL settings. An empty URL runs the service
// with the in-memory outcome store.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	Migrate         bool          `koanf:"migrate"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// RedisConfig contains Redis settings. An empty Addr runs the service with
// the in-memory dedup gate.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// GraphConfig contains upstream mail platform API settings.
type GraphConfig struct {
	BaseURL      string   `koanf:"base_url" validate:"required,url"`
	TenantID     string   `koanf:"tenant_id"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	TokenURL     string   `koanf:"token_url"`
	Scopes       []string `koanf:"scopes"`
	Mailbox      string   `koanf:"mailbox"`
}

// WebhookConfig contains the externally reachable notification endpoint
// settings used when registering subscriptions.
type WebhookConfig struct {
	PublicURL   string `koanf:"public_url"`
	ClientState string `koanf:"client_state"`
}

// IntakeConfig tunes the notification intake.
type IntakeConfig struct {
	QueueCapacity  int           `koanf:"queue_capacity" validate:"min=1"`
	EnqueueTimeout time.Duration `koanf:"enqueue_timeout"`
}

// WorkerConfig tunes the bounded worker pool.
type WorkerConfig struct {
	Count       int `koanf:"count" validate:"min=1"`
	MaxAttempts int `koanf:"max_attempts" validate:"min=1"`
}

// FetchConfig tunes the fetch-with-retry client.
type FetchConfig struct {
	NotFoundMaxAttempts int           `koanf:"not_found_max_attempts" validate:"min=1"`
	NotFoundBaseDelay   time.Duration `koanf:"not_found_base_delay"`
	ThrottleBaseDelay   time.Duration `koanf:"throttle_base_delay"`
	RequestTimeout      time.Duration `koanf:"request_timeout"`
	RateLimit           float64       `koanf:"rate_limit" validate:"gt=0"`
	RateBurst           int           `koanf:"rate_burst" validate:"min=1"`
}

// DedupConfig tunes the dedup gate.
type DedupConfig struct {
	CooldownWindow time.Duration `koanf:"cooldown_window"`
	FailedTTL      time.Duration `koanf:"failed_ttl"`
}

// AllowListConfig holds the sender allow-list. Empty means allow all.
type AllowListConfig struct {
	Senders []string `koanf:"senders"`
}

// PipelineConfig points at the downstream drafting pipeline.
type PipelineConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// SubscriptionsConfig controls upstream subscription management. When Enabled
// is false, PrimaryID and SentID seed the intake router with externally
// managed subscription ids.
type SubscriptionsConfig struct {
	Enabled           bool          `koanf:"enabled"`
	PrimaryID         string        `koanf:"primary_id"`
	SentID            string        `koanf:"sent_id"`
	PrimaryResource   string        `koanf:"primary_resource"`
	SentResource      string        `koanf:"sent_resource"`
	ExpirationMinutes int           `koanf:"expiration_minutes" validate:"min=1"`
	RenewInterval     time.Duration `koanf:"renew_interval"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 3,
			Migrate:         true,
			MigrationsPath:  "migrations",
		},
		Graph: GraphConfig{
			BaseURL: "https://graph.microsoft.com/v1.0",
			Scopes:  []string{"https://graph.microsoft.com/.default"},
			Mailbox: "me",
		},
		Intake: IntakeConfig{
			QueueCapacity:  64,
			EnqueueTimeout: 200 * time.Millisecond,
		},
		Worker: WorkerConfig{
			Count:       4,
			MaxAttempts: 3,
		},
		Fetch: FetchConfig{
			NotFoundMaxAttempts: 5,
			NotFoundBaseDelay:   2 * time.Second,
			ThrottleBaseDelay:   10 * time.Second,
			RequestTimeout:      30 * time.Second,
			RateLimit:           4,
			RateBurst:           8,
		},
		Dedup: DedupConfig{
			CooldownWindow: 120 * time.Second,
			FailedTTL:      15 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Timeout: 2 * time.Minute,
		},
		Subs: SubscriptionsConfig{
			PrimaryResource:   "me/mailFolders('inbox')/messages",
			SentResource:      "me/mailFolders('sentitems')/messages",
			ExpirationMinutes: 4000,
			RenewInterval:     30 * time.Minute,
		},
	}
}

// Load reads configuration from an optional YAML file and REPLYGATE_* env
// overrides, on top of defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if c.Subs.Enabled && c.Webhook.PublicURL == "" {
		return fmt.Errorf("validate config: webhook.public_url is required when subscriptions.enabled")
	}

	if c.Fetch.NotFoundBaseDelay <= 0 || c.Fetch.ThrottleBaseDelay <= 0 {
		return fmt.Errorf("validate config: fetch delays must be positive")
	}

	return nil
}
