package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wabot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithValidConfigFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
server:
  port: 8081
  host: "localhost"
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

redis:
  addr: "redis:6379"
  db: 2

rate_limit:
  enabled: true
  store: "redis"
  per_user_limit: 5
  per_user_window: 30s
  global_limit: 50
  global_window: 1m
  bypass:
    - "+15550000001"
  cleanup_interval: 300s

breaker:
  failure_threshold: 3
  success_threshold: 2
  reset_timeout: 10s

openai:
  model: "gpt-4o"
  max_tokens: 512
  temperature: 0.5
  timeout: 45s

audit:
  sink: "sqlite"
  path: "./data/test-audit.db"
  buffer_size: 64

logging:
  level: "debug"
  format: "json"
  output: "stdout"

metrics:
  enabled: true
  path: "/metrics"
  port: 9091
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	config, err := Load(configFile)
	require.NoError(t, err)

	// Verify server config
	assert.Equal(t, 8081, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, 30*time.Second, config.Server.ReadTimeout)

	// Verify redis config
	assert.Equal(t, "redis:6379", config.Redis.Addr)
	assert.Equal(t, 2, config.Redis.DB)

	// Verify rate limit config
	assert.True(t, config.RateLimit.Enabled)
	assert.Equal(t, models.StoreTypeRedis, config.RateLimit.Store)
	assert.Equal(t, int64(5), config.RateLimit.PerUserLimit)
	assert.Equal(t, 30*time.Second, config.RateLimit.PerUserWindow)
	assert.Equal(t, int64(50), config.RateLimit.GlobalLimit)
	assert.Equal(t, time.Minute, config.RateLimit.GlobalWindow)
	assert.Equal(t, []string{"+15550000001"}, config.RateLimit.Bypass)

	// Verify breaker config
	assert.Equal(t, 3, config.Breaker.FailureThreshold)
	assert.Equal(t, 2, config.Breaker.SuccessThreshold)
	assert.Equal(t, 10*time.Second, config.Breaker.ResetTimeout)

	// Verify audit config
	assert.Equal(t, models.AuditSinkSQLite, config.Audit.Sink)
	assert.Equal(t, "./data/test-audit.db", config.Audit.Path)

	// Verify logging config
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)

	// Verify metrics config
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, 9091, config.Metrics.Port)
}

func TestLoad_WithoutConfigFile(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	// Should match defaults
	defaults := models.NewDefaultConfig()
	assert.Equal(t, defaults.Server.Port, config.Server.Port)
	assert.Equal(t, defaults.RateLimit.PerUserLimit, config.RateLimit.PerUserLimit)
	assert.Equal(t, defaults.Breaker.FailureThreshold, config.Breaker.FailureThreshold)
	assert.Equal(t, defaults.Audit.Sink, config.Audit.Sink)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "bad.yaml")

	err := os.WriteFile(configFile, []byte("rate_limit: [not a map"), 0644)
	require.NoError(t, err)

	_, err = Load(configFile)
	require.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("WABOT_PORT", "9999")
	t.Setenv("WABOT_REDIS_ADDR", "env-redis:6379")
	t.Setenv("WABOT_RATE_LIMIT_ENABLED", "false")
	t.Setenv("WABOT_RATE_LIMIT_PER_USER", "42")
	t.Setenv("WABOT_RATE_LIMIT_PER_USER_WINDOW", "90s")
	t.Setenv("WABOT_RATE_LIMIT_BYPASS", "+15550000001, +15550000002")
	t.Setenv("WABOT_BREAKER_RESET_TIMEOUT", "15s")
	t.Setenv("WABOT_OPENAI_MODEL", "gpt-4o")
	t.Setenv("WABOT_LOG_LEVEL", "warn")

	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "env-redis:6379", config.Redis.Addr)
	assert.False(t, config.RateLimit.Enabled)
	assert.Equal(t, int64(42), config.RateLimit.PerUserLimit)
	assert.Equal(t, 90*time.Second, config.RateLimit.PerUserWindow)
	assert.Equal(t, []string{"+15550000001", "+15550000002"}, config.RateLimit.Bypass)
	assert.Equal(t, 15*time.Second, config.Breaker.ResetTimeout)
	assert.Equal(t, "gpt-4o", config.OpenAI.Model)
	assert.Equal(t, "warn", config.Logging.Level)
}

func TestLoad_EnvironmentInvalidValuesIgnored(t *testing.T) {
	t.Setenv("WABOT_PORT", "not-a-number")
	t.Setenv("WABOT_RATE_LIMIT_PER_USER_WINDOW", "not-a-duration")

	config, err := Load("")
	require.NoError(t, err)

	defaults := models.NewDefaultConfig()
	assert.Equal(t, defaults.Server.Port, config.Server.Port)
	assert.Equal(t, defaults.RateLimit.PerUserWindow, config.RateLimit.PerUserWindow)
}

func TestLoad_ValidationFailure(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")

	configContent := `
rate_limit:
  enabled: true
  store: "memory"
  per_user_limit: 0
  per_user_window: 1m
  global_limit: 100
  global_window: 1m
  cleanup_interval: 5m
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	_, err = Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_RedisStoreRequiresAddr(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "redis.yaml")

	configContent := `
redis:
  addr: ""
rate_limit:
  store: "redis"
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	_, err = Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis addr is required")
}
