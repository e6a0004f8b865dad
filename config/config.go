/*
Package config loads process configuration.

SOURCES (later wins):
  1. Built-in defaults (Default)
  2. YAML file (-config flag or CONFIG_PATH)
  3. .env file in the working directory, if present
  4. Environment variables (SERVER_PORT, DB_DRIVER, ...)
  5. Command-line flags, applied by cmd/server

EXAMPLE YAML:
  server:
    port: 8080
  database:
    driver: sqlite
    path: ./data/delinquency.db
  redis:
    enabled: true
    addr: localhost:6379
    lock_ttl_seconds: 30
  batch:
    workers: 8
    max_attempts: 3
    cron: "0 1 * * *"
    bucket_boundaries: standard
  logging:
    level: info
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/warp/delinquency-engine/delinquency"
)

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "mysql".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	DB             int    `yaml:"db"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

func (r RedisConfig) LockTTL() time.Duration { return time.Duration(r.LockTTLSeconds) * time.Second }

type BatchConfig struct {
	Workers            int    `yaml:"workers"`
	LockTimeoutSeconds int    `yaml:"lock_timeout_seconds"`
	MaxAttempts        int    `yaml:"max_attempts"`
	BackoffMillis      int    `yaml:"backoff_millis"`
	Cron               string `yaml:"cron"`
	BucketBoundaries   string `yaml:"bucket_boundaries"`
}

func (b BatchConfig) LockTimeout() time.Duration {
	return time.Duration(b.LockTimeoutSeconds) * time.Second
}

func (b BatchConfig) Backoff() time.Duration { return time.Duration(b.BackoffMillis) * time.Millisecond }

type LogConfig struct {
	Level string `yaml:"level"`
}

// AppConfig holds every section.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Batch    BatchConfig    `yaml:"batch"`
	Logging  LogConfig      `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	return &AppConfig{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./data/delinquency.db"},
		Redis:    RedisConfig{Addr: "localhost:6379", LockTTLSeconds: 30},
		Batch: BatchConfig{
			Workers:            4,
			LockTimeoutSeconds: 5,
			MaxAttempts:        3,
			BackoffMillis:      200,
			Cron:               "0 1 * * *",
			BucketBoundaries:   delinquency.StandardBoundaries.Name,
		},
		Logging: LogConfig{Level: "info"},
	}
}

// Load reads path (optional), a .env file (optional) and the environment.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path == "" {
		path = GetEnv("CONFIG_PATH", "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Server.Port = GetEnvAsInt("SERVER_PORT", cfg.Server.Port)

	cfg.Database.Driver = GetEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.Path = GetEnv("DB_PATH", cfg.Database.Path)
	cfg.Database.DSN = GetEnv("MYSQL_DSN", cfg.Database.DSN)

	cfg.Redis.Enabled = GetEnvAsBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = GetEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.DB = GetEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.LockTTLSeconds = GetEnvAsInt("REDIS_LOCK_TTL_SECONDS", cfg.Redis.LockTTLSeconds)

	cfg.Batch.Workers = GetEnvAsInt("BATCH_WORKERS", cfg.Batch.Workers)
	cfg.Batch.LockTimeoutSeconds = GetEnvAsInt("BATCH_LOCK_TIMEOUT_SECONDS", cfg.Batch.LockTimeoutSeconds)
	cfg.Batch.MaxAttempts = GetEnvAsInt("BATCH_MAX_ATTEMPTS", cfg.Batch.MaxAttempts)
	cfg.Batch.BackoffMillis = GetEnvAsInt("BATCH_BACKOFF_MILLIS", cfg.Batch.BackoffMillis)
	cfg.Batch.Cron = GetEnv("BATCH_CRON", cfg.Batch.Cron)
	cfg.Batch.BucketBoundaries = GetEnv("BUCKET_BOUNDARIES", cfg.Batch.BucketBoundaries)

	cfg.Logging.Level = GetEnv("LOG_LEVEL", cfg.Logging.Level)
}

// Validate rejects configurations the server cannot start with.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.Database.Driver)
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis is enabled")
		}
		if c.Redis.LockTTLSeconds <= 0 {
			return fmt.Errorf("redis.lock_ttl_seconds must be positive, got %d", c.Redis.LockTTLSeconds)
		}
	}
	if c.Batch.Workers < 1 || c.Batch.Workers > 64 {
		return fmt.Errorf("batch.workers must be between 1 and 64, got %d", c.Batch.Workers)
	}
	if c.Batch.MaxAttempts < 1 {
		return fmt.Errorf("batch.max_attempts must be at least 1, got %d", c.Batch.MaxAttempts)
	}
	if c.Batch.LockTimeoutSeconds < 1 {
		return fmt.Errorf("batch.lock_timeout_seconds must be at least 1, got %d", c.Batch.LockTimeoutSeconds)
	}
	if c.Batch.BackoffMillis < 0 {
		return fmt.Errorf("batch.backoff_millis must not be negative, got %d", c.Batch.BackoffMillis)
	}
	if _, err := delinquency.BoundariesByName(c.Batch.BucketBoundaries); err != nil {
		return fmt.Errorf("batch.bucket_boundaries: %w", err)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// NewLogger builds the process logger: JSON output at the configured level.
func (c *AppConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func GetEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return val
	}
	return defaultVal
}

// GetEnvAsInt returns defaultVal when the variable is unset or not a number.
func GetEnvAsInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return n
}

func GetEnvAsBool(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(GetEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return b
}
