package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "standard", cfg.Batch.BucketBoundaries)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL())
	assert.Equal(t, 5*time.Second, cfg.Batch.LockTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.Batch.Backoff())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9090
database:
  driver: mysql
  dsn: user:pass@tcp(localhost:3306)/delinquency?parseTime=true
redis:
  enabled: true
  addr: redis:6379
  lock_ttl_seconds: 10
batch:
  workers: 8
  lock_timeout_seconds: 3
  max_attempts: 5
  cron: "30 2 * * *"
  bucket_boundaries: extended
logging:
  level: debug
`)
	t.Setenv("BATCH_WORKERS", "16")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL())
	assert.Equal(t, 16, cfg.Batch.Workers, "env overrides file")
	assert.Equal(t, 5, cfg.Batch.MaxAttempts)
	assert.Equal(t, "30 2 * * *", cfg.Batch.Cron)
	assert.Equal(t, "extended", cfg.Batch.BucketBoundaries)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 200*time.Millisecond, cfg.Batch.Backoff(), "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeTempConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"port out of range", func(c *AppConfig) { c.Server.Port = 70000 }},
		{"unknown driver", func(c *AppConfig) { c.Database.Driver = "postgres" }},
		{"sqlite without path", func(c *AppConfig) { c.Database.Path = "" }},
		{"mysql without dsn", func(c *AppConfig) { c.Database.Driver = "mysql" }},
		{"redis without addr", func(c *AppConfig) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"redis zero ttl", func(c *AppConfig) { c.Redis.Enabled = true; c.Redis.LockTTLSeconds = 0 }},
		{"no workers", func(c *AppConfig) { c.Batch.Workers = 0 }},
		{"no attempts", func(c *AppConfig) { c.Batch.MaxAttempts = 0 }},
		{"no lock timeout", func(c *AppConfig) { c.Batch.LockTimeoutSeconds = 0 }},
		{"negative backoff", func(c *AppConfig) { c.Batch.BackoffMillis = -1 }},
		{"unknown boundaries", func(c *AppConfig) { c.Batch.BucketBoundaries = "weekly" }},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "42")
	t.Setenv("CFG_TEST_BAD_INT", "forty")
	t.Setenv("CFG_TEST_BOOL", "true")
	t.Setenv("CFG_TEST_BLANK", "   ")

	assert.Equal(t, 42, GetEnvAsInt("CFG_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("CFG_TEST_BAD_INT", 1))
	assert.True(t, GetEnvAsBool("CFG_TEST_BOOL", false))
	assert.Equal(t, "fallback", GetEnv("CFG_TEST_BLANK", "fallback"))
	assert.Equal(t, "fallback", GetEnv("CFG_TEST_UNSET", "fallback"))
}

func TestNewLogger(t *testing.T) {
	c := Default()
	c.Logging.Level = "debug"
	logger := c.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
