// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration bounds to prevent resource exhaustion or dead settings.
const (
	maxConcurrent    = 32
	minIdleTimeout   = 1 * time.Second
	minMaxAge        = 1 * time.Minute
	minShutdown      = 1 * time.Second
	maxShutdown      = 5 * time.Minute
	minExitThreshold = 30 * time.Second
)

// Internal timing constants shared across components. These are fixed by the
// extraction protocol rather than tunable per deployment.
const (
	WatchdogInterval  = 10 * time.Second
	CircuitThreshold  = 3
	CircuitResetDelay = 30 * time.Second
	NavigationTimeout = 15 * time.Second
	SettleDelay       = 500 * time.Millisecond
	ClickTimeout      = 500 * time.Millisecond
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
// Durations are taken from the environment as integer milliseconds.
type Config struct {
	// Server settings
	Host        string
	Port        int
	MetricsPort int

	// Authentication
	ExtractionSecret string

	// Browser settings
	ChromePath string

	// Pool settings
	MaxConcurrent      int
	BrowserIdleTimeout time.Duration
	BrowserMaxAge      time.Duration

	// Lifecycle
	ShutdownTimeout      time.Duration
	CircuitExitThreshold time.Duration

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"

	// Interception rules override
	RulesPath      string
	RulesHotReload bool

	// Profiling
	PProfEnabled bool
	PProfPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		Host:        getEnvString("HOST", "0.0.0.0"),
		Port:        getEnvInt("PORT", 3001),
		MetricsPort: getEnvInt("METRICS_PORT", 9090),

		ExtractionSecret: getEnvString("EXTRACTION_SECRET", ""),

		ChromePath: getEnvString("CHROME_PATH", ""),

		MaxConcurrent:      getEnvInt("MAX_CONCURRENT", 2),
		BrowserIdleTimeout: getEnvMillis("BROWSER_IDLE_TIMEOUT", 60*time.Second),
		BrowserMaxAge:      getEnvMillis("BROWSER_MAX_AGE", 2*time.Hour),

		ShutdownTimeout:      getEnvMillis("SHUTDOWN_TIMEOUT", 30*time.Second),
		CircuitExitThreshold: getEnvMillis("CIRCUIT_BREAKER_EXIT_THRESHOLD", 120*time.Second),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "console"),

		RulesPath:      getEnvString("RULES_PATH", ""),
		RulesHotReload: getEnvBool("RULES_HOT_RELOAD", false),

		// Profiling - disabled by default for security
		PProfEnabled: getEnvBool("PPROF_ENABLED", false),
		PProfPort:    getEnvInt("PPROF_PORT", 6060),
	}
}

// HasSecret returns true when a bearer secret is configured.
func (c *Config) HasSecret() bool {
	return c.ExtractionSecret != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 1 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 3001")
		c.Port = 3001
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		log.Warn().Int("port", c.MetricsPort).Msg("Invalid metrics port, using default 9090")
		c.MetricsPort = 9090
	}
	if c.MetricsPort == c.Port {
		log.Warn().
			Int("port", c.Port).
			Msg("METRICS_PORT conflicts with PORT, moving metrics to PORT+1")
		c.MetricsPort = c.Port + 1
	}

	// The secret is enforced at the auth layer so the endpoint can answer 500
	// instead of silently running open.
	if c.ExtractionSecret == "" {
		log.Warn().Msg("EXTRACTION_SECRET not set - /extract will refuse requests until configured")
	}

	// ChromePath validation - prevent path traversal
	if c.ChromePath != "" {
		if strings.Contains(c.ChromePath, "..") {
			log.Error().
				Str("path", c.ChromePath).
				Msg("CHROME_PATH contains path traversal sequence (..), ignoring")
			c.ChromePath = ""
		} else if !strings.HasPrefix(c.ChromePath, "/") {
			log.Warn().
				Str("path", c.ChromePath).
				Msg("CHROME_PATH should be an absolute path")
		}
	}

	if c.MaxConcurrent < 1 {
		log.Warn().Int("max", c.MaxConcurrent).Msg("Invalid MAX_CONCURRENT, using default 2")
		c.MaxConcurrent = 2
	} else if c.MaxConcurrent > maxConcurrent {
		log.Warn().
			Int("max", c.MaxConcurrent).
			Int("cap", maxConcurrent).
			Msg("MAX_CONCURRENT too large, capping to maximum")
		c.MaxConcurrent = maxConcurrent
	}

	if c.BrowserIdleTimeout < minIdleTimeout {
		log.Warn().
			Dur("timeout", c.BrowserIdleTimeout).
			Dur("min", minIdleTimeout).
			Msg("BROWSER_IDLE_TIMEOUT too short, using minimum")
		c.BrowserIdleTimeout = minIdleTimeout
	}
	if c.BrowserMaxAge < minMaxAge {
		log.Warn().
			Dur("age", c.BrowserMaxAge).
			Dur("min", minMaxAge).
			Msg("BROWSER_MAX_AGE too short, using minimum")
		c.BrowserMaxAge = minMaxAge
	}
	if c.BrowserMaxAge <= c.BrowserIdleTimeout {
		log.Warn().
			Dur("max_age", c.BrowserMaxAge).
			Dur("idle", c.BrowserIdleTimeout).
			Msg("BROWSER_MAX_AGE should exceed BROWSER_IDLE_TIMEOUT - idle restarts will always win")
	}

	if c.ShutdownTimeout < minShutdown {
		log.Warn().
			Dur("timeout", c.ShutdownTimeout).
			Dur("min", minShutdown).
			Msg("SHUTDOWN_TIMEOUT too short, using minimum")
		c.ShutdownTimeout = minShutdown
	} else if c.ShutdownTimeout > maxShutdown {
		log.Warn().
			Dur("timeout", c.ShutdownTimeout).
			Dur("max", maxShutdown).
			Msg("SHUTDOWN_TIMEOUT too long, capping to maximum")
		c.ShutdownTimeout = maxShutdown
	}

	if c.CircuitExitThreshold < minExitThreshold {
		log.Warn().
			Dur("threshold", c.CircuitExitThreshold).
			Dur("min", minExitThreshold).
			Msg("CIRCUIT_BREAKER_EXIT_THRESHOLD too short, using minimum")
		c.CircuitExitThreshold = minExitThreshold
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
	if c.LogFormat != "console" && c.LogFormat != "json" {
		log.Warn().Str("format", c.LogFormat).Msg("Invalid log format, using 'console'")
		c.LogFormat = "console"
	}

	// Rules path validation
	if c.RulesPath != "" {
		if strings.Contains(c.RulesPath, "..") {
			log.Error().
				Str("path", c.RulesPath).
				Msg("RULES_PATH contains path traversal sequence (..), ignoring")
			c.RulesPath = ""
		} else if c.RulesHotReload {
			if _, err := os.Stat(c.RulesPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.RulesPath).
					Msg("RULES_PATH does not exist - hot-reload will watch for file creation")
			}
		}
	}
	if c.RulesHotReload && c.RulesPath == "" {
		log.Warn().Msg("RULES_HOT_RELOAD enabled but RULES_PATH not set - hot-reload disabled")
		c.RulesHotReload = false
	}

	if c.PProfEnabled {
		if c.PProfPort < 1 || c.PProfPort > 65535 || c.PProfPort == c.Port || c.PProfPort == c.MetricsPort {
			log.Warn().Int("port", c.PProfPort).Msg("Invalid or conflicting PPROF_PORT, disabling pprof")
			c.PProfEnabled = false
		}
	}
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

// getEnvMillis parses a duration given as integer milliseconds, the
// convention all deployment tooling for this service already uses.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			if ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive milliseconds, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid milliseconds in environment variable, using default")
	}
	return defaultValue
}
