package config

import (
	"os"
	"testing"
	"time"
)

var allEnvVars = []string{
	"HOST", "PORT", "METRICS_PORT",
	"EXTRACTION_SECRET", "CHROME_PATH",
	"MAX_CONCURRENT", "BROWSER_IDLE_TIMEOUT", "BROWSER_MAX_AGE",
	"SHUTDOWN_TIMEOUT", "CIRCUIT_BREAKER_EXIT_THRESHOLD",
	"LOG_LEVEL", "LOG_FORMAT",
	"RULES_PATH", "RULES_HOT_RELOAD",
	"PPROF_ENABLED", "PPROF_PORT",
}

func clearEnv() {
	for _, env := range allEnvVars {
		os.Unsetenv(env)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv()

	cfg := Load()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Expected default host '0.0.0.0', got %q", cfg.Host)
	}
	if cfg.Port != 3001 {
		t.Errorf("Expected default port 3001, got %d", cfg.Port)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.MetricsPort)
	}

	if cfg.ExtractionSecret != "" {
		t.Errorf("Expected empty secret by default, got %q", cfg.ExtractionSecret)
	}
	if cfg.ChromePath != "" {
		t.Errorf("Expected empty ChromePath by default, got %q", cfg.ChromePath)
	}

	if cfg.MaxConcurrent != 2 {
		t.Errorf("Expected default MaxConcurrent 2, got %d", cfg.MaxConcurrent)
	}
	if cfg.BrowserIdleTimeout != 60*time.Second {
		t.Errorf("Expected default idle timeout 60s, got %v", cfg.BrowserIdleTimeout)
	}
	if cfg.BrowserMaxAge != 2*time.Hour {
		t.Errorf("Expected default max age 2h, got %v", cfg.BrowserMaxAge)
	}

	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.CircuitExitThreshold != 120*time.Second {
		t.Errorf("Expected default circuit exit threshold 120s, got %v", cfg.CircuitExitThreshold)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("Expected default log format 'console', got %q", cfg.LogFormat)
	}

	if cfg.RulesPath != "" {
		t.Errorf("Expected empty RulesPath by default, got %q", cfg.RulesPath)
	}
	if cfg.RulesHotReload {
		t.Error("Expected RulesHotReload to be false by default")
	}

	if cfg.PProfEnabled {
		t.Error("Expected PProfEnabled to be false by default")
	}
	if cfg.PProfPort != 6060 {
		t.Errorf("Expected default pprof port 6060, got %d", cfg.PProfPort)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("HOST", "127.0.0.1")
	os.Setenv("PORT", "8080")
	os.Setenv("METRICS_PORT", "9191")
	os.Setenv("EXTRACTION_SECRET", "s3cret")
	os.Setenv("CHROME_PATH", "/usr/bin/chromium")
	os.Setenv("MAX_CONCURRENT", "4")
	os.Setenv("BROWSER_IDLE_TIMEOUT", "5000")
	os.Setenv("BROWSER_MAX_AGE", "3600000")
	os.Setenv("SHUTDOWN_TIMEOUT", "10000")
	os.Setenv("CIRCUIT_BREAKER_EXIT_THRESHOLD", "60000")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "json")
	os.Setenv("RULES_PATH", "/etc/streamsnare/rules.yaml")
	os.Setenv("RULES_HOT_RELOAD", "true")
	os.Setenv("PPROF_ENABLED", "true")
	os.Setenv("PPROF_PORT", "6061")
	defer clearEnv()

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Expected host '127.0.0.1', got %q", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Port)
	}
	if cfg.MetricsPort != 9191 {
		t.Errorf("Expected metrics port 9191, got %d", cfg.MetricsPort)
	}
	if cfg.ExtractionSecret != "s3cret" {
		t.Errorf("Expected secret 's3cret', got %q", cfg.ExtractionSecret)
	}
	if cfg.ChromePath != "/usr/bin/chromium" {
		t.Errorf("Expected ChromePath '/usr/bin/chromium', got %q", cfg.ChromePath)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("Expected MaxConcurrent 4, got %d", cfg.MaxConcurrent)
	}
	if cfg.BrowserIdleTimeout != 5*time.Second {
		t.Errorf("Expected idle timeout 5s, got %v", cfg.BrowserIdleTimeout)
	}
	if cfg.BrowserMaxAge != 1*time.Hour {
		t.Errorf("Expected max age 1h, got %v", cfg.BrowserMaxAge)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("Expected shutdown timeout 10s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.CircuitExitThreshold != 1*time.Minute {
		t.Errorf("Expected circuit exit threshold 1m, got %v", cfg.CircuitExitThreshold)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected log format 'json', got %q", cfg.LogFormat)
	}
	if cfg.RulesPath != "/etc/streamsnare/rules.yaml" {
		t.Errorf("Expected RulesPath '/etc/streamsnare/rules.yaml', got %q", cfg.RulesPath)
	}
	if !cfg.RulesHotReload {
		t.Error("Expected RulesHotReload to be true")
	}
	if !cfg.PProfEnabled {
		t.Error("Expected PProfEnabled to be true")
	}
	if cfg.PProfPort != 6061 {
		t.Errorf("Expected pprof port 6061, got %d", cfg.PProfPort)
	}
}

func TestLoadInvalidEnvValues(t *testing.T) {
	os.Setenv("PORT", "not_a_number")
	os.Setenv("MAX_CONCURRENT", "many")
	os.Setenv("BROWSER_IDLE_TIMEOUT", "-100")
	os.Setenv("BROWSER_MAX_AGE", "2h")
	os.Setenv("RULES_HOT_RELOAD", "not_a_bool")
	defer clearEnv()

	cfg := Load()

	if cfg.Port != 3001 {
		t.Errorf("Expected default port 3001 for invalid value, got %d", cfg.Port)
	}
	if cfg.MaxConcurrent != 2 {
		t.Errorf("Expected default MaxConcurrent 2 for invalid value, got %d", cfg.MaxConcurrent)
	}
	if cfg.BrowserIdleTimeout != 60*time.Second {
		t.Errorf("Expected default idle timeout for negative value, got %v", cfg.BrowserIdleTimeout)
	}
	// Durations are integer milliseconds, not Go duration strings.
	if cfg.BrowserMaxAge != 2*time.Hour {
		t.Errorf("Expected default max age for duration-string value, got %v", cfg.BrowserMaxAge)
	}
	if cfg.RulesHotReload {
		t.Error("Expected default RulesHotReload (false) for invalid value")
	}
}

func TestHasSecret(t *testing.T) {
	cfg := &Config{}
	if cfg.HasSecret() {
		t.Error("Expected HasSecret to return false when secret is empty")
	}

	cfg.ExtractionSecret = "abc"
	if !cfg.HasSecret() {
		t.Error("Expected HasSecret to return true when secret is set")
	}
}

// validConfig returns a config that passes Validate unchanged.
func validConfig() *Config {
	return &Config{
		Host:                 "0.0.0.0",
		Port:                 3001,
		MetricsPort:          9090,
		ExtractionSecret:     "secret",
		MaxConcurrent:        2,
		BrowserIdleTimeout:   60 * time.Second,
		BrowserMaxAge:        2 * time.Hour,
		ShutdownTimeout:      30 * time.Second,
		CircuitExitThreshold: 120 * time.Second,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

func TestValidatePortCorrections(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 0
	cfg.Validate()
	if cfg.Port != 3001 {
		t.Errorf("Expected port corrected to 3001, got %d", cfg.Port)
	}

	cfg = validConfig()
	cfg.MetricsPort = 70000
	cfg.Validate()
	if cfg.MetricsPort != 9090 {
		t.Errorf("Expected metrics port corrected to 9090, got %d", cfg.MetricsPort)
	}

	cfg = validConfig()
	cfg.MetricsPort = cfg.Port
	cfg.Validate()
	if cfg.MetricsPort != cfg.Port+1 {
		t.Errorf("Expected conflicting metrics port moved to %d, got %d", cfg.Port+1, cfg.MetricsPort)
	}
}

func TestValidatePoolCorrections(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConcurrent = 0
	cfg.Validate()
	if cfg.MaxConcurrent != 2 {
		t.Errorf("Expected MaxConcurrent corrected to 2, got %d", cfg.MaxConcurrent)
	}

	cfg = validConfig()
	cfg.MaxConcurrent = 1000
	cfg.Validate()
	if cfg.MaxConcurrent != maxConcurrent {
		t.Errorf("Expected MaxConcurrent capped to %d, got %d", maxConcurrent, cfg.MaxConcurrent)
	}

	cfg = validConfig()
	cfg.BrowserIdleTimeout = 10 * time.Millisecond
	cfg.Validate()
	if cfg.BrowserIdleTimeout != minIdleTimeout {
		t.Errorf("Expected idle timeout raised to %v, got %v", minIdleTimeout, cfg.BrowserIdleTimeout)
	}

	cfg = validConfig()
	cfg.BrowserMaxAge = 5 * time.Second
	cfg.Validate()
	if cfg.BrowserMaxAge != minMaxAge {
		t.Errorf("Expected max age raised to %v, got %v", minMaxAge, cfg.BrowserMaxAge)
	}
}

func TestValidateLifecycleCorrections(t *testing.T) {
	cfg := validConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	cfg.Validate()
	if cfg.ShutdownTimeout != minShutdown {
		t.Errorf("Expected shutdown timeout raised to %v, got %v", minShutdown, cfg.ShutdownTimeout)
	}

	cfg = validConfig()
	cfg.ShutdownTimeout = 10 * time.Minute
	cfg.Validate()
	if cfg.ShutdownTimeout != maxShutdown {
		t.Errorf("Expected shutdown timeout capped to %v, got %v", maxShutdown, cfg.ShutdownTimeout)
	}

	cfg = validConfig()
	cfg.CircuitExitThreshold = 5 * time.Second
	cfg.Validate()
	if cfg.CircuitExitThreshold != minExitThreshold {
		t.Errorf("Expected circuit exit threshold raised to %v, got %v", minExitThreshold, cfg.CircuitExitThreshold)
	}
}

func TestValidateLoggingCorrections(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	cfg.Validate()
	if cfg.LogLevel != "info" {
		t.Errorf("Expected log level corrected to 'info', got %q", cfg.LogLevel)
	}

	cfg = validConfig()
	cfg.LogFormat = "xml"
	cfg.Validate()
	if cfg.LogFormat != "console" {
		t.Errorf("Expected log format corrected to 'console', got %q", cfg.LogFormat)
	}

	cfg = validConfig()
	cfg.LogLevel = "DEBUG"
	cfg.Validate()
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("Expected case-insensitive log level to survive, got %q", cfg.LogLevel)
	}
}

func TestValidatePathCorrections(t *testing.T) {
	cfg := validConfig()
	cfg.ChromePath = "../../usr/bin/evil"
	cfg.Validate()
	if cfg.ChromePath != "" {
		t.Errorf("Expected traversal ChromePath cleared, got %q", cfg.ChromePath)
	}

	cfg = validConfig()
	cfg.ChromePath = "/usr/bin/chromium"
	cfg.Validate()
	if cfg.ChromePath != "/usr/bin/chromium" {
		t.Errorf("Expected absolute ChromePath kept, got %q", cfg.ChromePath)
	}

	cfg = validConfig()
	cfg.RulesPath = "../rules.yaml"
	cfg.Validate()
	if cfg.RulesPath != "" {
		t.Errorf("Expected traversal RulesPath cleared, got %q", cfg.RulesPath)
	}

	cfg = validConfig()
	cfg.RulesHotReload = true
	cfg.RulesPath = ""
	cfg.Validate()
	if cfg.RulesHotReload {
		t.Error("Expected hot-reload disabled when RulesPath is empty")
	}
}

func TestValidatePProfConflicts(t *testing.T) {
	cfg := validConfig()
	cfg.PProfEnabled = true
	cfg.PProfPort = cfg.Port
	cfg.Validate()
	if cfg.PProfEnabled {
		t.Error("Expected pprof disabled when its port conflicts with the API port")
	}

	cfg = validConfig()
	cfg.PProfEnabled = true
	cfg.PProfPort = 6060
	cfg.Validate()
	if !cfg.PProfEnabled {
		t.Error("Expected pprof to stay enabled on a free port")
	}
}
