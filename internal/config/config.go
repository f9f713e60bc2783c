package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the transferpipe service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Batching    BatchingConfig    `mapstructure:"batching"`
	Commit      CommitConfig      `mapstructure:"commit"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings. When Enabled is
// false the service runs against the in-memory stores (dev/test only).
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the pgx/migrate connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis configuration for alert trigger state.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS configuration for the inbound raw-data trigger and
// outbound commit events.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// BatchingConfig controls when an open batch seals: whichever of the three
// thresholds trips first.
type BatchingConfig struct {
	MaxAge     time.Duration `mapstructure:"max_age"`
	MaxRecords int           `mapstructure:"max_records"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
	QueueDepth int           `mapstructure:"queue_depth"`
}

// CommitConfig selects the commit mode and retry behavior.
type CommitConfig struct {
	// Mode is "transactional" (whole batch diverts on any failure) or
	// "partial" (per-record failure isolation).
	Mode         string        `mapstructure:"mode"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RetentionConfig holds per-store retention horizons. The daily aggregate
// horizon is independent of, and much longer than, the canonical horizon.
type RetentionConfig struct {
	Staging       time.Duration `mapstructure:"staging"`
	Canonical     time.Duration `mapstructure:"canonical"`
	DeadLetter    time.Duration `mapstructure:"dead_letter"`
	Aggregate     time.Duration `mapstructure:"aggregate"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AggregationConfig controls the incremental rollup loop.
type AggregationConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchLimit   int           `mapstructure:"batch_limit"`
}

// AlertsConfig controls the threshold signal evaluator.
type AlertsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Window     time.Duration `mapstructure:"window"`
	Interval   time.Duration `mapstructure:"interval"`
	WebhookURL string        `mapstructure:"webhook_url"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.enabled", false)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "transferpipe")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "transferpipe")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.name", "transferpipe")

	// Batching defaults follow the upstream ingestion policy:
	// 1 minute, 20 items, 256 MB.
	v.SetDefault("batching.max_age", "1m")
	v.SetDefault("batching.max_records", 20)
	v.SetDefault("batching.max_bytes", 256*1024*1024)
	v.SetDefault("batching.queue_depth", 8)

	v.SetDefault("commit.mode", "transactional")
	v.SetDefault("commit.max_retries", 3)
	v.SetDefault("commit.retry_backoff", "5s")

	v.SetDefault("retention.staging", "24h")
	v.SetDefault("retention.canonical", "2160h")   // 90 days
	v.SetDefault("retention.dead_letter", "720h")  // 30 days
	v.SetDefault("retention.aggregate", "17520h")  // 730 days
	v.SetDefault("retention.sweep_interval", "1h")

	v.SetDefault("aggregation.poll_interval", "5s")
	v.SetDefault("aggregation.batch_limit", 500)

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.window", "10m")
	v.SetDefault("alerts.interval", "1m")
	v.SetDefault("alerts.webhook_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("TRANSFERPIPE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Commit.Mode {
	case "transactional", "partial":
	default:
		return fmt.Errorf("commit.mode must be \"transactional\" or \"partial\", got %q", c.Commit.Mode)
	}
	if c.Batching.MaxRecords <= 0 {
		return fmt.Errorf("batching.max_records must be positive")
	}
	if c.Batching.MaxBytes <= 0 {
		return fmt.Errorf("batching.max_bytes must be positive")
	}
	return nil
}
