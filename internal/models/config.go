// Package models - Service configuration and operational settings.
// This file defines configuration structures for all service components.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, limits, breaker, etc.)
// - Environment-friendly defaults that work out of the box
// - Comprehensive validation to catch misconfigurations early
// - Support for multiple deployment scenarios (development, production, cloud)
package models

import (
	"errors"
	"fmt"
	"time"
)

// Rate limit store backend constants
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

// Audit sink type constants
const (
	AuditSinkLog      = "log"
	AuditSinkSQLite   = "sqlite"
	AuditSinkPostgres = "postgres"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	Redis         RedisConfig         `yaml:"redis" json:"redis"`                 // Distributed counter backend
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`       // Admission control limits
	Breaker       BreakerConfig       `yaml:"breaker" json:"breaker"`             // Upstream circuit breaker
	OpenAI        OpenAIConfig        `yaml:"openai" json:"openai"`               // Model provider settings
	Audit         AuditConfig         `yaml:"audit" json:"audit"`                 // Violation/state-change audit trail
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Logging and output configuration
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Monitoring and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing configuration
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// RateLimitConfig controls the dual-scope admission limiter. Store selects the
// counter backend: "memory" for a single instance, "redis" when several bot
// instances share the same WhatsApp number.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Store           string        `yaml:"store" json:"store"`
	PerUserLimit    int64         `yaml:"per_user_limit" json:"per_user_limit"`
	PerUserWindow   time.Duration `yaml:"per_user_window" json:"per_user_window"`
	GlobalLimit     int64         `yaml:"global_limit" json:"global_limit"`
	GlobalWindow    time.Duration `yaml:"global_window" json:"global_window"`
	Bypass          []string      `yaml:"bypass" json:"bypass"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// BreakerConfig controls the circuit breaker guarding the model provider.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Model       string        `yaml:"model" json:"model"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature float32       `yaml:"temperature" json:"temperature"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

type AuditConfig struct {
	Sink       string `yaml:"sink" json:"sink"`
	Path       string `yaml:"path" json:"path"`
	DSN        string `yaml:"dsn" json:"dsn"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
//   - Port 8080: standard non-privileged HTTP port
//   - Memory store: works without external dependencies; switch to redis when
//     running more than one instance
//   - Conservative limits: 10 messages/user/minute, 100 messages/minute overall
//   - Breaker 5/2/30s: opens fast enough to stop burning quota on a broken
//     upstream, recovers within a conversational attention span
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Store:           StoreTypeMemory,
			PerUserLimit:    10,
			PerUserWindow:   time.Minute,
			GlobalLimit:     100,
			GlobalWindow:    time.Minute,
			Bypass:          []string{},
			CleanupInterval: 5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		Audit: AuditConfig{
			Sink:       AuditSinkLog,
			Path:       "./data/audit.db",
			BufferSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "wabot",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("invalid breaker config: %w", err)
	}

	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("invalid audit config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if c.RateLimit.Store == StoreTypeRedis && c.Redis.Addr == "" {
		return errors.New("redis addr is required when rate limit store is redis")
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if rc.Store != StoreTypeMemory && rc.Store != StoreTypeRedis {
		return fmt.Errorf("unsupported rate limit store: %s", rc.Store)
	}

	if rc.PerUserLimit <= 0 {
		return errors.New("per user limit must be positive")
	}

	if rc.PerUserWindow <= 0 {
		return errors.New("per user window must be positive")
	}

	if rc.GlobalLimit <= 0 {
		return errors.New("global limit must be positive")
	}

	if rc.GlobalWindow <= 0 {
		return errors.New("global window must be positive")
	}

	if rc.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be positive")
	}

	return nil
}

func (bc *BreakerConfig) Validate() error {
	if bc.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}

	if bc.SuccessThreshold <= 0 {
		return errors.New("success threshold must be positive")
	}

	if bc.ResetTimeout <= 0 {
		return errors.New("reset timeout must be positive")
	}

	return nil
}

func (ac *AuditConfig) Validate() error {
	switch ac.Sink {
	case AuditSinkLog:
	case AuditSinkSQLite:
		if ac.Path == "" {
			return errors.New("path is required for the sqlite audit sink")
		}
	case AuditSinkPostgres:
		if ac.DSN == "" {
			return errors.New("dsn is required for the postgres audit sink")
		}
	default:
		return fmt.Errorf("unsupported audit sink: %s", ac.Sink)
	}

	if ac.BufferSize < 0 {
		return errors.New("buffer size cannot be negative")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, level := range validLevels {
		if lc.Level == level {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unsupported log level: %s", lc.Level)
	}

	if lc.Format != "json" && lc.Format != "text" {
		return fmt.Errorf("unsupported log format: %s", lc.Format)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	return nil
}
