// Package config reads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	DatabaseURL string
	RedisAddr   string

	TokenSecret   string
	TokenIssuer   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	InvitationTTL time.Duration
	MFAIssuer     string

	LoginMaxAttempts int
	LoginWindow      time.Duration

	RequestsPerSecond float64
	RequestBurst      int

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables with sane defaults.
// DATABASE_URL is optional: without one the service runs on the in-memory
// store, which is only useful for development.
func Load() (Config, error) {
	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		TokenSecret:   os.Getenv("TOKEN_SECRET"),
		TokenIssuer:   getEnv("TOKEN_ISSUER", "opsforge"),
		AccessTTL:     getDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTTL:    getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		InvitationTTL: getDuration("INVITATION_TTL", 72*time.Hour),
		MFAIssuer:     getEnv("MFA_ISSUER", "opsforge"),

		LoginMaxAttempts: getInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:      getDuration("LOGIN_WINDOW", 5*time.Minute),

		RequestsPerSecond: getFloat("HTTP_RATE_LIMIT_RPS", 20),
		RequestBurst:      getInt("HTTP_RATE_LIMIT_BURST", 40),

		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if cfg.TokenSecret == "" {
		if cfg.Environment == "production" {
			return Config{}, fmt.Errorf("TOKEN_SECRET is required in production")
		}
		cfg.TokenSecret = "development-secret-do-not-use"
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
