package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth modes supported by the hub.
const (
	AuthModeSecret = "secret"
	AuthModeJWKS   = "jwks"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port        string
	Environment string

	// Token validation
	AuthMode     string
	AuthSecret   string
	AuthJWKSURL  string
	AuthIssuer   string
	AuthAudience string

	// Identity / space store
	DatabaseURL string

	// Event bridge
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Hub behavior
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	ColorPalette      []string

	// Rate limits (ulule formatted, e.g. "60-M")
	ConnRateLimit   string
	CursorRateLimit string

	// Tracing
	OTelEnabled       bool
	OTelCollectorAddr string

	LogLevel string
}

// DevelopmentMode reports whether the hub runs with development defaults.
func (c *Config) DevelopmentMode() bool {
	return c.Environment == "development"
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error listing every invalid or missing variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: PORT (defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: ENVIRONMENT (defaults to "development")
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "development")
	if cfg.Environment != "development" && cfg.Environment != "production" {
		errors = append(errors, fmt.Sprintf("ENVIRONMENT must be 'development' or 'production' (got '%s')", cfg.Environment))
	}

	// Optional: AUTH_MODE (defaults to "secret")
	cfg.AuthMode = getEnvOrDefault("AUTH_MODE", AuthModeSecret)
	switch cfg.AuthMode {
	case AuthModeSecret:
		// Required: AUTH_SECRET (minimum 32 characters)
		cfg.AuthSecret = os.Getenv("AUTH_SECRET")
		if cfg.AuthSecret == "" {
			errors = append(errors, "AUTH_SECRET is required when AUTH_MODE=secret")
		} else if len(cfg.AuthSecret) < 32 {
			errors = append(errors, fmt.Sprintf("AUTH_SECRET must be at least 32 characters (got %d)", len(cfg.AuthSecret)))
		}
	case AuthModeJWKS:
		cfg.AuthJWKSURL = os.Getenv("AUTH_JWKS_URL")
		if cfg.AuthJWKSURL == "" {
			errors = append(errors, "AUTH_JWKS_URL is required when AUTH_MODE=jwks")
		} else if u, err := url.Parse(cfg.AuthJWKSURL); err != nil || u.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("AUTH_JWKS_URL must be an https URL (got '%s')", cfg.AuthJWKSURL))
		}
		cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
		if cfg.AuthIssuer == "" {
			errors = append(errors, "AUTH_ISSUER is required when AUTH_MODE=jwks")
		}
		cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
		if cfg.AuthAudience == "" {
			errors = append(errors, "AUTH_AUDIENCE is required when AUTH_MODE=jwks")
		}
	default:
		errors = append(errors, fmt.Sprintf("AUTH_MODE must be 'secret' or 'jwks' (got '%s')", cfg.AuthMode))
	}

	// Required: DATABASE_URL (postgres scheme)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	} else if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		errors = append(errors, "DATABASE_URL must use the postgres:// or postgresql:// scheme")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: HEARTBEAT_INTERVAL (defaults to 30s)
	hbRaw := getEnvOrDefault("HEARTBEAT_INTERVAL", "30s")
	hb, err := time.ParseDuration(hbRaw)
	if err != nil {
		errors = append(errors, fmt.Sprintf("HEARTBEAT_INTERVAL must be a duration like '30s' (got '%s')", hbRaw))
	} else if hb < time.Second {
		errors = append(errors, fmt.Sprintf("HEARTBEAT_INTERVAL must be at least 1s (got '%s')", hbRaw))
	} else {
		cfg.HeartbeatInterval = hb
	}

	// Optional: ALLOWED_ORIGINS (comma separated)
	originsRaw := os.Getenv("ALLOWED_ORIGINS")
	if originsRaw == "" {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
		if cfg.Environment == "production" {
			errors = append(errors, "ALLOWED_ORIGINS is required in production")
		}
	} else {
		for _, o := range strings.Split(originsRaw, ",") {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			if o == "*" && cfg.Environment == "production" {
				errors = append(errors, "ALLOWED_ORIGINS must not contain '*' in production")
				continue
			}
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	// Optional: COLOR_PALETTE (comma separated hex colors; empty = built-in palette)
	if paletteRaw := os.Getenv("COLOR_PALETTE"); paletteRaw != "" {
		for _, c := range strings.Split(paletteRaw, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if !isHexColor(c) {
				errors = append(errors, fmt.Sprintf("COLOR_PALETTE entries must look like '#rrggbb' (got '%s')", c))
				continue
			}
			cfg.ColorPalette = append(cfg.ColorPalette, c)
		}
		if len(cfg.ColorPalette) > 0 && len(cfg.ColorPalette) < 2 {
			errors = append(errors, "COLOR_PALETTE must contain at least 2 colors")
		}
	}

	// Rate limits (Defaults: S = Second, M = Minute)
	cfg.ConnRateLimit = getEnvOrDefault("CONN_RATE_LIMIT", "60-M")
	cfg.CursorRateLimit = getEnvOrDefault("CURSOR_RATE_LIMIT", "240-S")

	// Optional: tracing
	cfg.OTelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OTelEnabled {
		cfg.OTelCollectorAddr = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
		if !isValidHostPort(cfg.OTelCollectorAddr) {
			errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTelCollectorAddr))
		}
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// isHexColor checks for the "#rrggbb" shape used by the canvas frontend.
func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"auth_mode", cfg.AuthMode,
		"auth_secret", redactSecret(cfg.AuthSecret),
		"database_url", RedactDSN(cfg.DatabaseURL),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"heartbeat_interval", cfg.HeartbeatInterval.String(),
		"allowed_origins", strings.Join(cfg.AllowedOrigins, ","),
		"conn_rate_limit", cfg.ConnRateLimit,
		"cursor_rate_limit", cfg.CursorRateLimit,
		"otel_enabled", cfg.OTelEnabled,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

// RedactDSN strips the password from a connection URL for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
