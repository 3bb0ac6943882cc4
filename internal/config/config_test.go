package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 3, cfg.LedgerMaxRetries)
	assert.Equal(t, 15*time.Millisecond, cfg.LedgerRetryBackoff)
	assert.Equal(t, "pieceflow.events", cfg.RedisChannel)
	assert.False(t, cfg.OtelEnabled)
	assert.Len(t, cfg.Warnings, 2)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("DATABASE_DSN", "file:pieceflow.db")
	t.Setenv("LEDGER_MAX_RETRIES", "7")
	t.Setenv("LEDGER_RETRY_BACKOFF", "50ms")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://terminal.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 7, cfg.LedgerMaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.LedgerRetryBackoff)
	assert.True(t, cfg.OtelEnabled)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_Rejects(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("short secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "short")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", testSecret)
		t.Setenv("DATABASE_DRIVER", "mysql")
		_, err := Load()
		require.Error(t, err)
	})
}
