package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	Storage   StorageConfig   `yaml:"storage"`
	Imports   ImportsConfig   `yaml:"imports"`
	Retry     RetryConfig     `yaml:"retry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// DatabaseConfig holds the Postgres connection settings for import state
// and the job queue.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis connection for progress snapshots
// and sweep locking. An empty Addr disables Redis entirely.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SnowflakeConfig holds the analytics event store connection.
type SnowflakeConfig struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Table     string `yaml:"table"`
}

// StorageConfig selects where uploaded files live between ingress and the
// parse worker: "local" (single host) or "s3" (any deployment with more
// than one).
type StorageConfig struct {
	Backend    string `yaml:"backend"`
	UploadDir  string `yaml:"upload_dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	AWSProfile string `yaml:"aws_profile"`
}

// GetAWSProfile resolves the AWS profile, preferring the env override and
// ignoring profiles entirely on ECS where the task role applies.
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// ImportsConfig holds pipeline tuning and quota knobs.
type ImportsConfig struct {
	ChunkSize               int   `yaml:"chunk_size"`
	MaxUploadMB             int   `yaml:"max_upload_mb"`
	MaxConcurrentPerOrg     int   `yaml:"max_concurrent_per_org"`
	MaxLifetimeEvents       int64 `yaml:"max_lifetime_events"`
	SelfHosted              bool  `yaml:"self_hosted"`
	Workers                 int   `yaml:"workers"`
	RecoveryIntervalSeconds int   `yaml:"recovery_interval_seconds"`
	StaleAgeSeconds         int   `yaml:"stale_age_seconds"`
}

// RecoveryInterval returns the sweep cadence.
func (c ImportsConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// StaleAge returns how long a claim may be held before recovery.
func (c ImportsConfig) StaleAge() time.Duration {
	return time.Duration(c.StaleAgeSeconds) * time.Second
}

// RetryConfig holds the shared retry policy knobs.
type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds"`
}

// BaseDelay returns the first backoff interval.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff ceiling.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// Load reads the YAML config file and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SNOWFLAKE_ACCOUNT"); v != "" {
		cfg.Snowflake.Account = v
	}
	if v := os.Getenv("SNOWFLAKE_USER"); v != "" {
		cfg.Snowflake.User = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}
	if v := os.Getenv("SNOWFLAKE_WAREHOUSE"); v != "" {
		cfg.Snowflake.Warehouse = v
	}
	if v := os.Getenv("IMPORT_UPLOAD_DIR"); v != "" {
		cfg.Storage.UploadDir = v
	}
	if v := os.Getenv("UPLOADS_S3_BUCKET"); v != "" {
		cfg.Storage.Backend = "s3"
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("UPLOADS_S3_REGION"); v != "" {
		cfg.Storage.S3Region = v
	}
	if v := os.Getenv("IMPORTS_SELF_HOSTED"); v != "" {
		cfg.Imports.SelfHosted = v == "true" || v == "1"
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Snowflake.Database == "" {
		cfg.Snowflake.Database = "ANALYTICS"
	}
	if cfg.Snowflake.Schema == "" {
		cfg.Snowflake.Schema = "EVENTS"
	}
	if cfg.Snowflake.Table == "" {
		cfg.Snowflake.Table = "IMPORTED_EVENTS"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.S3Region == "" {
		cfg.Storage.S3Region = "us-east-1"
	}
	if cfg.Imports.ChunkSize == 0 {
		cfg.Imports.ChunkSize = 1000
	}
	if cfg.Imports.MaxUploadMB == 0 {
		cfg.Imports.MaxUploadMB = 100
	}
	if cfg.Imports.MaxConcurrentPerOrg == 0 {
		cfg.Imports.MaxConcurrentPerOrg = 1
	}
	if cfg.Imports.MaxLifetimeEvents == 0 {
		cfg.Imports.MaxLifetimeEvents = 1_000_000
	}
	if cfg.Imports.Workers == 0 {
		cfg.Imports.Workers = 4
	}
	if cfg.Imports.RecoveryIntervalSeconds == 0 {
		cfg.Imports.RecoveryIntervalSeconds = 120
	}
	if cfg.Imports.StaleAgeSeconds == 0 {
		cfg.Imports.StaleAgeSeconds = 300
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 2
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 300
	}
}
