package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/supervision/internal/capture"
	"github.com/banshee-data/supervision/internal/config"
)

func TestFlagDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, cfg.Listener.Port, *port)
	assert.Equal(t, cfg.Listener.MulticastGroup, *group)
	assert.Equal(t, cfg.HTTP.Listen, *listen)
	assert.Equal(t, cfg.DB.Path, *dbPath)
	assert.Empty(t, *replayPath)
}

func TestReplayOptions(t *testing.T) {
	orig := *replaySpeed
	t.Cleanup(func() { *replaySpeed = orig })

	*replaySpeed = 0
	assert.Equal(t, capture.ReplayOptions{}, replayOptions())
	*replaySpeed = 4
	assert.Equal(t, capture.ReplayOptions{Realtime: true, SpeedMultiplier: 4}, replayOptions())
}

// TestLoadConfig runs as one sequence because flag.CommandLine cannot
// forget that a flag was set.
func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	path := filepath.Join(t.TempDir(), "supervision.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listener:
  port: 12000
  multicast_group: 239.1.1.1
watchdog:
  threshold: 5s
db:
  path: archive.db
`), 0o644))
	require.NoError(t, flag.Set("config", path))
	t.Cleanup(func() { *configFile = "" })

	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 12000, cfg.Listener.Port)
	assert.Equal(t, "239.1.1.1", cfg.Listener.MulticastGroup)
	assert.Equal(t, 5*time.Second, cfg.Watchdog.Threshold.Std())
	assert.Equal(t, "archive.db", cfg.DB.Path)

	// Explicit flags win over the file.
	require.NoError(t, flag.Set("port", "13000"))
	require.NoError(t, flag.Set("group", ""))
	require.NoError(t, flag.Set("db", ""))
	require.NoError(t, flag.Set("listen", "127.0.0.1:9000"))
	require.NoError(t, flag.Set("verbose", "true"))

	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 13000, cfg.Listener.Port)
	assert.Empty(t, cfg.Listener.MulticastGroup)
	assert.Empty(t, cfg.DB.Path)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Listen)
	assert.True(t, cfg.Listener.Verbose)

	require.NoError(t, flag.Set("port", "70000"))
	_, err = loadConfig()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	require.NoError(t, flag.Set("port", "11000"))

	require.NoError(t, flag.Set("config", filepath.Join(t.TempDir(), "missing.json")))
	_, err = loadConfig()
	assert.Error(t, err)
}
