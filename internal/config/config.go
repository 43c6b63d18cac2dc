// Package config loads the engine's top-level, non-secret configuration
// from the environment (a .env file when present, individual env vars
// otherwise).
package config

import (
	"os"
	"strconv"
)

// Config holds server-level (non-sandbox) configuration. Per-language
// container quotas and image references live in sandbox.Config; this
// covers the HTTP/observability surface around it.
type Config struct {
	HTTPPort    string
	Environment string // "development" | "production"

	LogLevel string

	RateLimitPerMinute int
	RateLimitBurst     int

	CORSAllowedOrigins []string
}

// Load reads Config from the environment.
func Load() Config {
	return Config{
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		Environment:        getEnv("ENVIRONMENT", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "warn"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 1000),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 50),
		CORSAllowedOrigins: splitNonEmpty(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
