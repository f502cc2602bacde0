package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Storage    Storage    `mapstructure:"storage"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Retry      Retry      `mapstructure:"retry"`
	Pipeline   Pipeline   `mapstructure:"pipeline"`
	Classifier Classifier `mapstructure:"classifier"`
	Watermark  Watermark  `mapstructure:"watermark"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for the blob storage backend.
type Storage struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// Kafka holds configuration for the Kafka message queue.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Retry defines the retry policy for infrastructure calls (Kafka send/fetch).
// Task-level retry is persisted in the database and configured by Pipeline.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Pipeline configures the task dispatcher and worker pool.
type Pipeline struct {
	Workers      int           `mapstructure:"workers"`       // Worker pool size
	PollInterval time.Duration `mapstructure:"poll_interval"` // Sleep when no task is claimable
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`  // Wall-clock budget per task execution
	MaxAttempts  int           `mapstructure:"max_attempts"`  // Attempt budget before terminal failure
	BackoffBase  time.Duration `mapstructure:"backoff_base"`  // First re-enqueue delay
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`   // Upper bound on re-enqueue delay

	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"` // How often stale running tasks are requeued
}

// Classifier configures the external tag inference backend.
type Classifier struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	MaxTags int           `mapstructure:"max_tags"` // Cap on candidate tags per image
}

// Watermark configures the watermark compositor.
type Watermark struct {
	Caption  string `mapstructure:"caption"`
	FontPath string `mapstructure:"font_path"` // Optional TTF; embedded font used when empty
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// mustBindEnv binds critical environment variables to Viper keys.
//
// It panics if any environment variable cannot be bound.
func mustBindEnv() {
	bindings := map[string]string{
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASSWORD",
		"database.master.name": "DB_NAME",
		"storage.access_key":   "STORAGE_ACCESS_KEY",
		"storage.secret_key":   "STORAGE_SECRET_KEY",
		"classifier.base_url":  "CLASSIFIER_BASE_URL",
		"classifier.api_key":   "CLASSIFIER_API_KEY",
	}

	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			zlog.Logger.Panic().Err(err).Msgf("failed to bind env %s", env)
		}
	}
}

// setDefaults fills in pipeline defaults so a minimal config file still
// yields a working dispatcher.
func setDefaults() {
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.poll_interval", time.Second)
	viper.SetDefault("pipeline.task_timeout", 30*time.Second)
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.backoff_base", 5*time.Second)
	viper.SetDefault("pipeline.backoff_cap", 5*time.Minute)
	viper.SetDefault("pipeline.reclaim_interval", 30*time.Second)
	viper.SetDefault("classifier.timeout", 15*time.Second)
	viper.SetDefault("classifier.max_tags", 10)
	viper.SetDefault("watermark.caption", "Event Photo Platform")
	viper.SetDefault("database.migrations_dir", "migrations")
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to read config")
	}

	mustBindEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msgf("failed to unmarshal config: %v", err)
	}

	return &cfg
}
