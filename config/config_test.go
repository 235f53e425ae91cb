package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdepot.dev/depot/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "depot.db", cfg.Database.DSN())
	assert.Equal(t, 4, cfg.Worker.Workers)
	assert.Equal(t, 64, cfg.Worker.QueueDepth)
	assert.Equal(t, 30*time.Second, cfg.Realtime.PollingInterval)
	assert.Equal(t, 15*time.Minute, cfg.Mobility.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PASSWORD", "hunter2")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("REALTIME_POLL_INTERVAL", "15s")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Workers)
	assert.Equal(t, 15*time.Second, cfg.Realtime.PollingInterval)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "password=hunter2")
	assert.Contains(t, cfg.Database.DSN(), "sslmode=disable")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DRIVER")
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("REALTIME_POLL_INTERVAL", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.Workers)
	assert.Equal(t, 30*time.Second, cfg.Realtime.PollingInterval)
}
