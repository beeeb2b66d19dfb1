package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "SESSION_TTL", "DATABASE_URL", "REDIS_URL", "SQLITE_PATH"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "5003", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 30*time.Second, cfg.SessionTTL)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, "./data/robots.sqlite3", cfg.SQLitePath)
	assert.True(t, cfg.IsDevelopment())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("ENV", "production")
	t.Setenv("SESSION_TTL", "2m")
	t.Setenv("DATABASE_URL", "postgres://localhost/botnet")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 2*time.Minute, cfg.SessionTTL)
	assert.Equal(t, "postgres://localhost/botnet", cfg.DatabaseURL)
	assert.False(t, cfg.IsDevelopment())
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("SESSION_TTL", "soon")
	assert.Equal(t, 30*time.Second, Load().SessionTTL)

	t.Setenv("SESSION_TTL", "-5s")
	assert.Equal(t, 30*time.Second, Load().SessionTTL)
}
