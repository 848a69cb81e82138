package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppConfig_AppliesDefaults(t *testing.T) {
	cfg, err := ParseAppConfig([]byte("server:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 500, cfg.FetchCache.MaxEntries)
	assert.Equal(t, int64(100<<20), cfg.FetchCache.MaxMemoryBytes)
	assert.Equal(t, 0.8, cfg.FetchCache.MemoryPressureRatio)
	assert.Equal(t, 1000, cfg.ResultCache.MaxEntries)
	assert.Equal(t, 2, cfg.Resilience.Default.MaxRetries)
	assert.Equal(t, 1000, cfg.Resilience.Default.InitialDelayMS)
	assert.Equal(t, 8000, cfg.Resilience.Default.MaxDelayMS)
	assert.Equal(t, 5, cfg.Resilience.Breaker.FailureThreshold)
	assert.Equal(t, 5, cfg.Filter.BusyThreshold)
	assert.Equal(t, 1.0, cfg.Filter.DistanceThresholdKM)
	assert.Equal(t, 30000, cfg.Feed.ReadIntervalMS)
}

func TestParseAppConfig_EmptyGetsDefaultPort(t *testing.T) {
	cfg, err := ParseAppConfig([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, 16181, cfg.Server.Port)
}

func TestParseAppConfig_Overrides(t *testing.T) {
	raw := `
server:
  port: 9000
fetchCache:
  maxEntries: 50
resilience:
  default:
    maxRetries: 5
  operations:
    feed.vehicles:
      maxRetries: 1
      initialDelayMS: 100
filter:
  busyThreshold: 3
`
	cfg, err := ParseAppConfig([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.FetchCache.MaxEntries)
	assert.Equal(t, 5, cfg.Resilience.Default.MaxRetries)
	require.Contains(t, cfg.Resilience.Operations, "feed.vehicles")
	assert.Equal(t, 1, cfg.Resilience.Operations["feed.vehicles"].MaxRetries)
	assert.Equal(t, 3, cfg.Filter.BusyThreshold)
}

func TestParseAppConfig_RejectsInvalidPort(t *testing.T) {
	_, err := ParseAppConfig([]byte("server:\n  port: -1\n"))
	assert.Error(t, err)
}

func TestParseAppConfig_RejectsBadURL(t *testing.T) {
	_, err := ParseAppConfig([]byte("feed:\n  vehiclePositionsURL: not-a-url\n"))
	assert.Error(t, err)
}

func TestParseAppConfig_RejectsGarbage(t *testing.T) {
	_, err := ParseAppConfig([]byte("::: not yaml"))
	assert.Error(t, err)
}

func TestLoadAppConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7171\n"), 0o600))

	cfg, err := LoadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7171, cfg.Server.Port)
}

func TestLoadAppConfig_MissingFile(t *testing.T) {
	_, err := LoadAppConfig(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
