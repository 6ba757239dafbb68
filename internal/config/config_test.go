package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, 30*time.Minute, cfg.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	require.Equal(t, 5, cfg.LoginMaxAttempts)
	require.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	require.NotEmpty(t, cfg.TokenSecret, "development gets a fallback secret")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9999", cfg.HTTPPort)
	require.Equal(t, 5*time.Minute, cfg.AccessTTL)
	require.Equal(t, 3, cfg.LoginMaxAttempts)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL", "not-a-duration")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.AccessTTL)
	require.Equal(t, 5, cfg.LoginMaxAttempts)
}

func TestLoadProductionRequiresSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("TOKEN_SECRET", "prod-secret")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "prod-secret", cfg.TokenSecret)
}
