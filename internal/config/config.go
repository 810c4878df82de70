package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Supersede policies for a second Start on an identity with an open session
const (
	SupersedeReplace = "replace"
	SupersedeResume  = "resume"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Recharge    RechargeConfig    `yaml:"recharge"`
	Session     SessionConfig     `yaml:"session"`
	AntiCheat   AntiCheatConfig   `yaml:"anticheat"`
	Sync        SyncConfig        `yaml:"sync"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" env:"KABOOM_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string `yaml:"level" env:"KABOOM_LOG_LEVEL"`
}

// StoreConfig selects the persistence driver
type StoreConfig struct {
	Driver     string `yaml:"driver" env:"KABOOM_STORE_DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"KABOOM_SQLITE_PATH"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"KABOOM_REDIS_ENABLED"`
	Addr         string        `yaml:"addr" env:"KABOOM_REDIS_ADDR"`
	Password     string        `yaml:"password" env:"KABOOM_REDIS_PASSWORD"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"KABOOM_POSTGRES_HOST"`
	Port            int           `yaml:"port" env:"KABOOM_POSTGRES_PORT"`
	User            string        `yaml:"user" env:"KABOOM_POSTGRES_USER"`
	Password        string        `yaml:"password" env:"KABOOM_POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" env:"KABOOM_POSTGRES_DB"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" env:"KABOOM_KAFKA_BROKERS" envSeparator:","`
	EventsTopic   string   `yaml:"events_topic"`
	LedgerTopic   string   `yaml:"ledger_topic"`
	GroupID       string   `yaml:"group_id"`
	Enabled       bool     `yaml:"enabled" env:"KABOOM_KAFKA_ENABLED"`
	LedgerEnabled bool     `yaml:"ledger_enabled" env:"KABOOM_LEDGER_ENABLED"`
}

// RechargeConfig holds lives cooldown configuration
type RechargeConfig struct {
	CooldownDuration time.Duration `yaml:"cooldown_duration"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// SessionConfig holds session tracker configuration
type SessionConfig struct {
	FlushInterval   time.Duration `yaml:"flush_interval" env:"KABOOM_FLUSH_INTERVAL"`
	Supersede       string        `yaml:"supersede"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"KABOOM_SESSION_IDLE_TIMEOUT"`
}

// AntiCheatConfig holds the anti-cheat thresholds
type AntiCheatConfig struct {
	Threshold     float64 `yaml:"threshold"`
	FlagThreshold float64 `yaml:"flag_threshold"`
}

// SyncConfig holds ledger sync queue configuration
type SyncConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	RearmDelay    time.Duration `yaml:"rearm_delay"`
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// RateLimitConfig holds the per-client event ingestion limit
type RateLimitConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

// Load reads configuration from a YAML file, then applies environment overrides.
// A missing file yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{Sync: SyncConfig{Enabled: true}}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		// Expand environment variables
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads overrides from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects values applyDefaults cannot repair
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Session.Supersede {
	case SupersedeReplace, SupersedeResume:
	default:
		return fmt.Errorf("unknown supersede policy %q", c.Session.Supersede)
	}
	if c.AntiCheat.FlagThreshold > c.AntiCheat.Threshold {
		return fmt.Errorf("anticheat flag_threshold %.2f exceeds threshold %.2f",
			c.AntiCheat.FlagThreshold, c.AntiCheat.Threshold)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Store defaults
	if c.Store.Driver == "" {
		c.Store.Driver = DriverPostgres
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "data/kaboom.db"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = time.Hour
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.EventsTopic == "" {
		c.Kafka.EventsTopic = "kaboom-game-events"
	}
	if c.Kafka.LedgerTopic == "" {
		c.Kafka.LedgerTopic = "kaboom-ledger"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "kaboom-backend"
	}

	// Recharge defaults
	if c.Recharge.CooldownDuration == 0 {
		c.Recharge.CooldownDuration = 45 * time.Minute
	}
	if c.Recharge.SweepInterval == 0 {
		c.Recharge.SweepInterval = 5 * time.Minute
	}

	// Session defaults
	if c.Session.FlushInterval == 0 {
		c.Session.FlushInterval = 10 * time.Second
	}
	if c.Session.Supersede == "" {
		c.Session.Supersede = SupersedeReplace
	}
	if c.Session.ShutdownTimeout == 0 {
		c.Session.ShutdownTimeout = 10 * time.Second
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}

	// Anti-cheat defaults
	if c.AntiCheat.Threshold == 0 {
		c.AntiCheat.Threshold = 0.7
	}
	if c.AntiCheat.FlagThreshold == 0 {
		c.AntiCheat.FlagThreshold = 0.3
	}

	// Sync defaults
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 5
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.RetryBackoff == 0 {
		c.Sync.RetryBackoff = time.Minute
	}
	if c.Sync.RearmDelay == 0 {
		c.Sync.RearmDelay = time.Second
	}
	if c.Sync.LedgerTimeout == 0 {
		c.Sync.LedgerTimeout = 30 * time.Second
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 100
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 1000
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "kaboom-backend"
	}

	if c.RateLimit.EventsPerSecond == 0 {
		c.RateLimit.EventsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}
