// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxMemoryMB     = 16384
	maxFrameQueue      = 100
	maxConnectionCap   = 1024
	maxSessionTimeout  = 24 * time.Hour
	maxProbeInterval   = 10 * time.Minute
	maxCreateRetries   = 10
	minAPIKeyLength    = 16
	maxOperationMillis = 600000
)

// NavigationConfig holds the two-strategy navigation settings.
type NavigationConfig struct {
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	Retries         int
	Backoff         time.Duration
}

// OperationsConfig holds operation fabric defaults.
type OperationsConfig struct {
	DefaultTimeout time.Duration
	DefaultRetries int
}

// CircuitConfig holds circuit breaker defaults.
type CircuitConfig struct {
	Threshold    int
	ResetTimeout time.Duration
}

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host           string
	Port           int
	MaxConnections int

	// Browser settings
	Headless          bool
	BrowserPath       string
	BrowserWSEndpoint string // Remote CDP endpoint; empty means local launch
	IgnoreCertErrors  bool

	// Session settings
	SessionTimeout         time.Duration
	SessionSweepInterval   time.Duration
	HealthCheckInterval    time.Duration
	HealthProbeTimeout     time.Duration
	MaxHealthCheckFailures int
	SessionCreateRetries   int

	// Memory governor settings
	MaxMemoryMB          int
	MemorySampleInterval time.Duration

	// Streaming
	FrameQueueMax int

	// Navigation and operation fabric
	Navigation NavigationConfig
	Operations OperationsConfig
	Circuit    CircuitConfig

	// Auth: empty APIKey means any non-empty token is accepted
	APIKey string

	// CMP request blocking
	CMPBlocklistPath string
	CMPHotReload     bool

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host:           getEnvString("HOST", "127.0.0.1"),
		Port:           getEnvInt("PORT", 8192),
		MaxConnections: getEnvInt("MAX_CONNECTIONS", 64),

		// Browser
		Headless:          getEnvBool("HEADLESS", true),
		BrowserPath:       getEnvString("BROWSER_PATH", ""),
		BrowserWSEndpoint: getEnvString("BROWSER_WS_ENDPOINT", ""),
		IgnoreCertErrors:  getEnvBool("IGNORE_CERT_ERRORS", false),

		// Sessions
		SessionTimeout:         getEnvDuration("SESSION_TIMEOUT", 10*time.Minute),
		SessionSweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", 2*time.Minute),
		HealthCheckInterval:    getEnvDuration("HEALTH_CHECK_INTERVAL", 15*time.Second),
		HealthProbeTimeout:     getEnvDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
		MaxHealthCheckFailures: getEnvInt("MAX_HEALTH_CHECK_FAILURES", 5),
		SessionCreateRetries:   getEnvInt("SESSION_CREATE_RETRIES", 3),

		// Memory
		MaxMemoryMB:          getEnvInt("MAX_MEMORY_MB", 2048),
		MemorySampleInterval: getEnvDuration("MEMORY_SAMPLE_INTERVAL", 10*time.Second),

		// Streaming
		FrameQueueMax: getEnvInt("FRAME_QUEUE_MAX", 10),

		// Navigation
		Navigation: NavigationConfig{
			PrimaryTimeout:  getEnvMillis("NAV_PRIMARY_TIMEOUT_MS", 20000),
			FallbackTimeout: getEnvMillis("NAV_FALLBACK_TIMEOUT_MS", 15000),
			Retries:         getEnvInt("NAV_RETRIES", 3),
			Backoff:         getEnvMillis("NAV_BACKOFF_MS", 2000),
		},

		// Operation fabric
		Operations: OperationsConfig{
			DefaultTimeout: getEnvMillis("OP_TIMEOUT_MS", 10000),
			DefaultRetries: getEnvInt("OP_RETRIES", 2),
		},

		// Circuit breaker
		Circuit: CircuitConfig{
			Threshold:    getEnvInt("CIRCUIT_THRESHOLD", 5),
			ResetTimeout: getEnvMillis("CIRCUIT_RESET_MS", 60000),
		},

		// Auth
		APIKey: getEnvString("AUTH_API_KEY", ""),

		// CMP blocking
		CMPBlocklistPath: getEnvString("CMP_BLOCKLIST_PATH", ""),
		CMPHotReload:     getEnvBool("CMP_HOT_RELOAD", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8192")
		c.Port = 8192
	}

	// BrowserPath validation - prevent path traversal attacks
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	// Remote endpoint must be a ws:// or wss:// URL
	if c.BrowserWSEndpoint != "" &&
		!strings.HasPrefix(c.BrowserWSEndpoint, "ws://") &&
		!strings.HasPrefix(c.BrowserWSEndpoint, "wss://") {
		log.Error().
			Str("endpoint", c.BrowserWSEndpoint).
			Msg("BROWSER_WS_ENDPOINT must start with ws:// or wss://, ignoring")
		c.BrowserWSEndpoint = ""
	}

	// Connection cap
	if c.MaxConnections < 1 {
		log.Warn().Int("max", c.MaxConnections).Msg("Invalid connection cap, using 64")
		c.MaxConnections = 64
	} else if c.MaxConnections > maxConnectionCap {
		log.Warn().
			Int("max", c.MaxConnections).
			Int("cap", maxConnectionCap).
			Msg("Connection cap too large, capping to maximum")
		c.MaxConnections = maxConnectionCap
	}

	// Memory validation with upper bound
	if c.MaxMemoryMB < 256 {
		log.Warn().Int("mb", c.MaxMemoryMB).Msg("Memory limit too low, using default 2048")
		c.MaxMemoryMB = 2048
	} else if c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().
			Int("mb", c.MaxMemoryMB).
			Int("max", maxMaxMemoryMB).
			Msg("Memory limit too high, capping to maximum")
		c.MaxMemoryMB = maxMaxMemoryMB
	}
	if c.MemorySampleInterval < time.Second {
		log.Warn().Dur("interval", c.MemorySampleInterval).Msg("Memory sample interval too short, using 10s")
		c.MemorySampleInterval = 10 * time.Second
	}

	// Session timeout validation (minimum 1 minute)
	if c.SessionTimeout < time.Minute {
		log.Warn().Dur("timeout", c.SessionTimeout).Msg("Session timeout too short, using 1m")
		c.SessionTimeout = time.Minute
	} else if c.SessionTimeout > maxSessionTimeout {
		log.Warn().
			Dur("timeout", c.SessionTimeout).
			Dur("max", maxSessionTimeout).
			Msg("Session timeout too long, using maximum")
		c.SessionTimeout = maxSessionTimeout
	}
	if c.SessionSweepInterval < 10*time.Second {
		log.Warn().Dur("interval", c.SessionSweepInterval).Msg("Session sweep interval too short, using 10s")
		c.SessionSweepInterval = 10 * time.Second
	}
	if c.SessionSweepInterval >= c.SessionTimeout {
		log.Warn().
			Dur("sweep_interval", c.SessionSweepInterval).
			Dur("timeout", c.SessionTimeout).
			Msg("SESSION_SWEEP_INTERVAL should be less than SESSION_TIMEOUT for timely cleanup")
	}

	// Health probe validation
	if c.HealthCheckInterval < time.Second {
		log.Warn().Dur("interval", c.HealthCheckInterval).Msg("Health check interval too short, using 15s")
		c.HealthCheckInterval = 15 * time.Second
	} else if c.HealthCheckInterval > maxProbeInterval {
		log.Warn().
			Dur("interval", c.HealthCheckInterval).
			Dur("max", maxProbeInterval).
			Msg("Health check interval too long, using maximum")
		c.HealthCheckInterval = maxProbeInterval
	}
	if c.HealthProbeTimeout < time.Second || c.HealthProbeTimeout >= c.HealthCheckInterval {
		log.Warn().Dur("timeout", c.HealthProbeTimeout).Msg("Invalid health probe timeout, using 5s")
		c.HealthProbeTimeout = 5 * time.Second
	}
	if c.MaxHealthCheckFailures < 1 {
		log.Warn().Int("failures", c.MaxHealthCheckFailures).Msg("Invalid health failure threshold, using 5")
		c.MaxHealthCheckFailures = 5
	}
	if c.SessionCreateRetries < 1 {
		log.Warn().Int("retries", c.SessionCreateRetries).Msg("Invalid create retries, using 3")
		c.SessionCreateRetries = 3
	} else if c.SessionCreateRetries > maxCreateRetries {
		log.Warn().
			Int("retries", c.SessionCreateRetries).
			Int("max", maxCreateRetries).
			Msg("Create retries too high, capping to maximum")
		c.SessionCreateRetries = maxCreateRetries
	}

	// Frame queue validation
	if c.FrameQueueMax < 1 {
		log.Warn().Int("max", c.FrameQueueMax).Msg("Invalid frame queue size, using 10")
		c.FrameQueueMax = 10
	} else if c.FrameQueueMax > maxFrameQueue {
		log.Warn().
			Int("max", c.FrameQueueMax).
			Int("cap", maxFrameQueue).
			Msg("Frame queue too large, capping to maximum")
		c.FrameQueueMax = maxFrameQueue
	}

	// Navigation and operation fabric validation
	c.Navigation = validateNavigation(c.Navigation)
	if c.Operations.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.Operations.DefaultTimeout).Msg("Operation timeout too short, using 10s")
		c.Operations.DefaultTimeout = 10 * time.Second
	}
	if c.Operations.DefaultRetries < 1 {
		log.Warn().Int("retries", c.Operations.DefaultRetries).Msg("Invalid operation retries, using 2")
		c.Operations.DefaultRetries = 2
	}
	if c.Circuit.Threshold < 1 {
		log.Warn().Int("threshold", c.Circuit.Threshold).Msg("Invalid circuit threshold, using 5")
		c.Circuit.Threshold = 5
	}
	if c.Circuit.ResetTimeout < time.Second {
		log.Warn().Dur("reset", c.Circuit.ResetTimeout).Msg("Circuit reset too short, using 60s")
		c.Circuit.ResetTimeout = 60 * time.Second
	}

	// CMP blocklist path validation
	if c.CMPBlocklistPath != "" && strings.Contains(c.CMPBlocklistPath, "..") {
		log.Error().
			Str("path", c.CMPBlocklistPath).
			Msg("CMPBlocklistPath contains path traversal sequence (..), ignoring")
		c.CMPBlocklistPath = ""
	}
	if c.CMPHotReload && c.CMPBlocklistPath == "" {
		log.Warn().Msg("CMP_HOT_RELOAD enabled but CMP_BLOCKLIST_PATH not set - hot-reload disabled")
		c.CMPHotReload = false
	}

	// API key validation
	if c.APIKey != "" && len(c.APIKey) < minAPIKeyLength {
		log.Error().
			Int("length", len(c.APIKey)).
			Int("min_required", minAPIKeyLength).
			Msg("AUTH_API_KEY is too short for secure authentication - consider using a longer key")
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}
}

// validateNavigation clamps the navigation settings.
func validateNavigation(n NavigationConfig) NavigationConfig {
	if n.PrimaryTimeout < time.Second {
		log.Warn().Dur("timeout", n.PrimaryTimeout).Msg("Primary navigation timeout too short, using 20s")
		n.PrimaryTimeout = 20 * time.Second
	}
	if n.FallbackTimeout < time.Second {
		log.Warn().Dur("timeout", n.FallbackTimeout).Msg("Fallback navigation timeout too short, using 15s")
		n.FallbackTimeout = 15 * time.Second
	}
	if n.Retries < 1 {
		log.Warn().Int("retries", n.Retries).Msg("Invalid navigation retries, using 3")
		n.Retries = 3
	}
	if n.Backoff < 100*time.Millisecond {
		log.Warn().Dur("backoff", n.Backoff).Msg("Navigation backoff too short, using 2s")
		n.Backoff = 2 * time.Second
	}
	return n
}

// RemoteAttach reports whether browsers are attached over a remote CDP endpoint.
func (c *Config) RemoteAttach() bool {
	return c.BrowserWSEndpoint != ""
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

// getEnvMillis parses an integer number of milliseconds.
func getEnvMillis(key string, defaultMillis int) time.Duration {
	millis := getEnvInt(key, defaultMillis)
	if millis <= 0 || millis > maxOperationMillis {
		log.Warn().
			Str("key", key).
			Int("value", millis).
			Int("default", defaultMillis).
			Msg("Millisecond value out of range, using default")
		millis = defaultMillis
	}
	return time.Duration(millis) * time.Millisecond
}
