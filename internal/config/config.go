// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Lifecycle
	AgentResponseTime int64         // Seconds an invited agent has to resolve
	TickInterval      time.Duration // Countdown refresh for live views
	AgentFeeBps       int           // Sandbox agent fee on agentResolve

	// Dispatch
	BreakerThreshold    int
	BreakerOpenDuration time.Duration
	RefetchAttempts     int

	// Security
	JWTSecret      string
	CORSOrigins    []string // "*" allows any origin
	RateLimitRPM   int      // Action submissions per caller per minute
	RateLimitBurst int

	// Tracing
	OTLPEndpoint string // Empty disables export
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultAgentResponseTime   = 7 * 24 * 60 * 60
	DefaultTickInterval        = time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
	DefaultRefetchAttempts     = 3
	DefaultRateLimitRPM        = 60
	DefaultRateLimitBurst      = 10
	MaxAgentFeeBps             = 1000

	// Used only in development when JWT_SECRET is unset.
	devJWTSecret = "escrowmirror-dev-secret"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AgentResponseTime:   getEnvInt64("AGENT_RESPONSE_TIME", DefaultAgentResponseTime),
		TickInterval:        getEnvDuration("TICK_INTERVAL", DefaultTickInterval),
		AgentFeeBps:         int(getEnvInt64("AGENT_FEE_BPS", 0)),
		BreakerThreshold:    int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenDuration: getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration),
		RefetchAttempts:     int(getEnvInt64("REFETCH_ATTEMPTS", DefaultRefetchAttempts)),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		CORSOrigins:         getEnvList("CORS_ORIGINS", []string{"*"}),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.IsProduction() && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must not use the development default in production")
	}
	if c.AgentResponseTime <= 0 {
		return fmt.Errorf("AGENT_RESPONSE_TIME must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if c.AgentFeeBps < 0 || c.AgentFeeBps > MaxAgentFeeBps {
		return fmt.Errorf("AGENT_FEE_BPS must be between 0 and %d", MaxAgentFeeBps)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive")
	}
	if c.BreakerOpenDuration <= 0 {
		return fmt.Errorf("BREAKER_OPEN_DURATION must be positive")
	}
	if c.RefetchAttempts <= 0 {
		return fmt.Errorf("REFETCH_ATTEMPTS must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.IsProduction() && slices.Contains(c.CORSOrigins, "*") {
		return fmt.Errorf("CORS_ORIGINS must list explicit origins in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1s", "250ms") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if s, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(s) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
