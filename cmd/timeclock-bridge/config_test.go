package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/adms"
)

func TestLoadConfig(t *testing.T) {
	t.Run("dry-run-defaults", func(t *testing.T) {
		t.Setenv("DRY_RUN", "true")
		t.Setenv("TERMINAL_TIMEZONE", "UTC")
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.True(t, cfg.DryRun)
		assert.Equal(t, ":8081", cfg.ListenAddr)
		assert.Equal(t, adms.DialectDataQuery, cfg.FetchDialect)
		assert.Equal(t, 10*time.Second, cfg.PollDelay)
		assert.Equal(t, time.UTC, cfg.Location)
		assert.Equal(t, "timeclock", cfg.MQTT.TopicPrefix)
		assert.Equal(t, 32*1024*1024, cfg.DedupCacheBytes)
		assert.Zero(t, cfg.FetchInterval)
		assert.False(t, cfg.DebugTrace)
	})
	t.Run("overrides", func(t *testing.T) {
		t.Setenv("DRY_RUN", "true")
		t.Setenv("ATTLOG_FETCH_DIALECT", "get")
		t.Setenv("FETCH_INTERVAL_SECONDS", "300")
		t.Setenv("DEVICE_IDLE_TTL_HOURS", "48")
		t.Setenv("TERMINAL_TIMEZONE", "Europe/Berlin")
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, adms.DialectGet, cfg.FetchDialect)
		assert.Equal(t, 5*time.Minute, cfg.FetchInterval)
		assert.Equal(t, 48*time.Hour, cfg.IdleTTL)
		assert.Equal(t, "Europe/Berlin", cfg.Location.String())
	})
	t.Run("invalid-dialect", func(t *testing.T) {
		t.Setenv("DRY_RUN", "true")
		t.Setenv("ATTLOG_FETCH_DIALECT", "SOAP")
		_, err := loadConfig()
		assert.ErrorIs(t, err, adms.ErrUnknownDialect)
	})
	t.Run("invalid-timezone", func(t *testing.T) {
		t.Setenv("DRY_RUN", "true")
		t.Setenv("TERMINAL_TIMEZONE", "Mars/Olympus")
		_, err := loadConfig()
		assert.Error(t, err)
	})
	t.Run("database-required", func(t *testing.T) {
		t.Setenv("DRY_RUN", "false")
		for _, key := range []string{"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DATABASE"} {
			// Setenv restores the original value after the test
			t.Setenv(key, "")
			require.NoError(t, os.Unsetenv(key))
		}
		_, err := loadConfig()
		assert.Error(t, err)
	})
}
