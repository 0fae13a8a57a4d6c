package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wabot/internal/models"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	loadFromEnvironment(config)

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	if port := os.Getenv("WABOT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if host := os.Getenv("WABOT_HOST"); host != "" {
		config.Server.Host = host
	}

	if timeout := os.Getenv("WABOT_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.ReadTimeout = d
		}
	}

	if timeout := os.Getenv("WABOT_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.WriteTimeout = d
		}
	}

	// Redis configuration
	if addr := os.Getenv("WABOT_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}

	if password := os.Getenv("WABOT_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	if db := os.Getenv("WABOT_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = n
		}
	}

	// Rate limit configuration
	if enabled := os.Getenv("WABOT_RATE_LIMIT_ENABLED"); enabled != "" {
		config.RateLimit.Enabled = strings.ToLower(enabled) == "true"
	}

	if store := os.Getenv("WABOT_RATE_LIMIT_STORE"); store != "" {
		config.RateLimit.Store = store
	}

	if limit := os.Getenv("WABOT_RATE_LIMIT_PER_USER"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
			config.RateLimit.PerUserLimit = n
		}
	}

	if window := os.Getenv("WABOT_RATE_LIMIT_PER_USER_WINDOW"); window != "" {
		if d, err := time.ParseDuration(window); err == nil {
			config.RateLimit.PerUserWindow = d
		}
	}

	if limit := os.Getenv("WABOT_RATE_LIMIT_GLOBAL"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
			config.RateLimit.GlobalLimit = n
		}
	}

	if window := os.Getenv("WABOT_RATE_LIMIT_GLOBAL_WINDOW"); window != "" {
		if d, err := time.ParseDuration(window); err == nil {
			config.RateLimit.GlobalWindow = d
		}
	}

	if bypass := os.Getenv("WABOT_RATE_LIMIT_BYPASS"); bypass != "" {
		parts := strings.Split(bypass, ",")
		identities := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				identities = append(identities, trimmed)
			}
		}
		config.RateLimit.Bypass = identities
	}

	// Breaker configuration
	if threshold := os.Getenv("WABOT_BREAKER_FAILURE_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil {
			config.Breaker.FailureThreshold = n
		}
	}

	if threshold := os.Getenv("WABOT_BREAKER_SUCCESS_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil {
			config.Breaker.SuccessThreshold = n
		}
	}

	if timeout := os.Getenv("WABOT_BREAKER_RESET_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Breaker.ResetTimeout = d
		}
	}

	// OpenAI configuration
	if key := os.Getenv("WABOT_OPENAI_API_KEY"); key != "" {
		config.OpenAI.APIKey = key
	}

	if model := os.Getenv("WABOT_OPENAI_MODEL"); model != "" {
		config.OpenAI.Model = model
	}

	// Audit configuration
	if sink := os.Getenv("WABOT_AUDIT_SINK"); sink != "" {
		config.Audit.Sink = sink
	}

	if path := os.Getenv("WABOT_AUDIT_PATH"); path != "" {
		config.Audit.Path = path
	}

	if dsn := os.Getenv("WABOT_AUDIT_DSN"); dsn != "" {
		config.Audit.DSN = dsn
	}

	// Logging configuration
	if level := os.Getenv("WABOT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if format := os.Getenv("WABOT_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Metrics configuration
	if enabled := os.Getenv("WABOT_METRICS_ENABLED"); enabled != "" {
		config.Metrics.Enabled = strings.ToLower(enabled) == "true"
	}

	if port := os.Getenv("WABOT_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Metrics.Port = p
		}
	}

	// Tracing configuration
	if enabled := os.Getenv("WABOT_TRACING_ENABLED"); enabled != "" {
		config.Observability.Tracing.Enabled = strings.ToLower(enabled) == "true"
	}

	if endpoint := os.Getenv("WABOT_OTLP_ENDPOINT"); endpoint != "" {
		config.Observability.Tracing.OTLPEndpoint = endpoint
	}
}
