// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Router     RouterConfig     `mapstructure:"router"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Queue      QueueConfig      `mapstructure:"queue"`
	DB         DBConfig         `mapstructure:"db"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeoutSec  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec int `mapstructure:"write_timeout_seconds"`
	ShutdownSec     int `mapstructure:"shutdown_seconds"`
}

// AuthConfig configures token verification for sockets and the API key for
// the internal event-producer endpoints.
type AuthConfig struct {
	// IssuerPublicKeyFile is a PEM file holding the token issuer's public key.
	IssuerPublicKeyFile string `mapstructure:"issuer_public_key_file"`
	// LeewaySeconds tolerates clock skew when validating token expiry.
	LeewaySeconds int `mapstructure:"leeway_seconds"`
	// APIKey guards the internal publish endpoint.
	APIKey string `mapstructure:"api_key"`
}

// RegistryConfig selects and tunes the connection registry backend.
type RegistryConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// WriteRetries is the small fixed retry budget for registry writes.
	WriteRetries int `mapstructure:"write_retries"`
	// RetryBackoffMs spaces those retries.
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
	// PurgeIntervalSec spaces expired-row purges on the postgres backend.
	PurgeIntervalSec int `mapstructure:"purge_interval_seconds"`
}

// GatewayConfig tunes per-socket protocol behavior.
type GatewayConfig struct {
	AuthTimeoutSec      int   `mapstructure:"auth_timeout_seconds"`
	PendingTTLSec       int   `mapstructure:"pending_ttl_seconds"`
	AuthenticatedTTLSec int   `mapstructure:"authenticated_ttl_seconds"`
	WriteWaitSec        int   `mapstructure:"write_wait_seconds"`
	PongWaitSec         int   `mapstructure:"pong_wait_seconds"`
	MaxMessageBytes     int64 `mapstructure:"max_message_bytes"`
	SendBuffer          int   `mapstructure:"send_buffer"`
}

// RouterConfig tunes fan-out behavior.
type RouterConfig struct {
	SendTimeoutMs int `mapstructure:"send_timeout_ms"`
}

// WebhookConfig tunes delivery attempts and retry scheduling.
type WebhookConfig struct {
	Workers           int   `mapstructure:"workers"`
	MaxAttempts       int   `mapstructure:"max_attempts"`
	AttemptTimeoutSec int   `mapstructure:"attempt_timeout_seconds"`
	RetryScheduleSec  []int `mapstructure:"retry_schedule_seconds"`
	PollIntervalSec   int   `mapstructure:"scheduler_poll_seconds"`
	PollBatch         int   `mapstructure:"scheduler_poll_batch"`
}

// RetrySchedule converts the configured schedule into durations.
func (c WebhookConfig) RetrySchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.RetryScheduleSec))
	for _, s := range c.RetryScheduleSec {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// QueueConfig selects and tunes the delivery queue backend.
type QueueConfig struct {
	// Backend is "memory" or "pubsub".
	Backend              string `mapstructure:"backend"`
	ProjectID            string `mapstructure:"project_id"`
	Topic                string `mapstructure:"topic"`
	Subscription         string `mapstructure:"subscription"`
	MemoryCapacity       int    `mapstructure:"memory_capacity"`
	VisibilityTimeoutSec int    `mapstructure:"visibility_timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// DeadLetterConfig selects where exhausted deliveries are archived.
type DeadLetterConfig struct {
	// Backend is "memory" or "gcs".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNOWSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.shutdown_seconds", 20)
	v.SetDefault("auth.leeway_seconds", 30)
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.write_retries", 3)
	v.SetDefault("registry.retry_backoff_ms", 100)
	v.SetDefault("registry.purge_interval_seconds", 60)
	v.SetDefault("gateway.auth_timeout_seconds", 30)
	v.SetDefault("gateway.pending_ttl_seconds", 300)
	v.SetDefault("gateway.authenticated_ttl_seconds", 86400)
	v.SetDefault("gateway.write_wait_seconds", 10)
	v.SetDefault("gateway.pong_wait_seconds", 60)
	v.SetDefault("gateway.max_message_bytes", 4096)
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("router.send_timeout_ms", 2000)
	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.attempt_timeout_seconds", 30)
	v.SetDefault("webhook.retry_schedule_seconds", []int{60, 300, 1800, 7200, 86400})
	v.SetDefault("webhook.scheduler_poll_seconds", 15)
	v.SetDefault("webhook.scheduler_poll_batch", 100)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.memory_capacity", 1024)
	v.SetDefault("queue.visibility_timeout_seconds", 30)
	v.SetDefault("dead_letter.backend", "memory")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.IssuerPublicKeyFile == "" {
		return fmt.Errorf("auth.issuer_public_key_file is required")
	}
	switch c.Registry.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when registry.backend is postgres")
		}
	default:
		return fmt.Errorf("registry.backend must be memory or postgres, got %q", c.Registry.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.project_id, queue.topic, and queue.subscription must be set when queue.backend is pubsub")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or pubsub, got %q", c.Queue.Backend)
	}
	switch c.DeadLetter.Backend {
	case "memory":
	case "gcs":
		if c.DeadLetter.GCSBucket == "" {
			return fmt.Errorf("dead_letter.gcs_bucket must be set when dead_letter.backend is gcs")
		}
	default:
		return fmt.Errorf("dead_letter.backend must be memory or gcs, got %q", c.DeadLetter.Backend)
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be > 0")
	}
	if len(c.Webhook.RetryScheduleSec) == 0 {
		return fmt.Errorf("webhook.retry_schedule_seconds must not be empty")
	}
	return nil
}
