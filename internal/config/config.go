package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the campaign engine service
type Config struct {
	Environment string          `mapstructure:"environment"`
	Debug       bool            `mapstructure:"debug"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Directory   DirectoryConfig `mapstructure:"directory"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Rollout     RolloutConfig   `mapstructure:"rollout"`
	Reminders   RemindersConfig `mapstructure:"reminders"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for the audience preview cache
type RedisConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	PreviewTTL time.Duration `mapstructure:"preview_ttl"`
}

// DirectoryConfig points at the external people directory service
type DirectoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// KafkaConfig contains Kafka configuration for the event sink
type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	BatchSize      int      `mapstructure:"batch_size"`
	BatchTimeoutMs int      `mapstructure:"batch_timeout_ms"`
	WriteTimeoutMs int      `mapstructure:"write_timeout_ms"`
	RequiredAcks   int      `mapstructure:"required_acks"`
	Async          bool     `mapstructure:"async"`
}

// RolloutConfig contains wave planning configuration
type RolloutConfig struct {
	MaxWaves            int `mapstructure:"max_waves"`
	MaxWaveDayGap       int `mapstructure:"max_wave_day_gap"`
	CalendarSearchLimit int `mapstructure:"calendar_search_limit"`
}

// RemindersConfig contains reminder sequencer configuration
type RemindersConfig struct {
	SweepSchedule string `mapstructure:"sweep_schedule"`
	SweepBatch    int    `mapstructure:"sweep_batch"`
	MaxSteps      int    `mapstructure:"max_steps"`
}

// SchedulerConfig contains deferred task scheduler configuration
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ClaimBatch    int           `mapstructure:"claim_batch"`
	ClaimLease    time.Duration `mapstructure:"claim_lease"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"` // json, text
	IncludeSource bool   `mapstructure:"include_source"`
}

// Load loads configuration from environment variables and config files
func Load() (Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/campaign-engine")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CAMPAIGN_ENGINE")

	// Config file is optional; defaults plus env are enough to run
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	viper.SetDefault("server.http_port", 8085)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "campaign_engine")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.preview_ttl", "5m")

	viper.SetDefault("directory.base_url", "http://localhost:8086")
	viper.SetDefault("directory.timeout", "10s")

	viper.SetDefault("kafka.enabled", true)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "campaign-events")
	viper.SetDefault("kafka.batch_size", 100)
	viper.SetDefault("kafka.batch_timeout_ms", 100)
	viper.SetDefault("kafka.write_timeout_ms", 5000)
	viper.SetDefault("kafka.required_acks", 1)
	viper.SetDefault("kafka.async", false)

	viper.SetDefault("rollout.max_waves", 20)
	viper.SetDefault("rollout.max_wave_day_gap", 90)
	viper.SetDefault("rollout.calendar_search_limit", 365)

	viper.SetDefault("reminders.sweep_schedule", "0 0 6 * * *")
	viper.SetDefault("reminders.sweep_batch", 500)
	viper.SetDefault("reminders.max_steps", 10)

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.poll_interval", "30s")
	viper.SetDefault("scheduler.claim_batch", 20)
	viper.SetDefault("scheduler.claim_lease", "5m")
	viper.SetDefault("scheduler.max_attempts", 5)
	viper.SetDefault("scheduler.retry_backoff", "1m")
	viper.SetDefault("scheduler.max_retry_delay", "1h")
}

// DSN returns the Postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Name, d.SSLMode,
	)
}

// Addr returns the Redis address
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
