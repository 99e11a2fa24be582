package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyConfigFile writes an empty YAML file so loading applies defaults
// without touching the host's config search paths.
func emptyConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blued.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	return path
}

func TestLoadDaemonConfigDefaults(t *testing.T) {
	cfg, err := LoadDaemonConfig(emptyConfigFile(t))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:4791", cfg.ListenAddr)
	assert.Equal(t, "0.0.0.0:18515", cfg.ExchangeAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 16, cfg.Batch)
	assert.Equal(t, 1024, cfg.MTU)
	assert.Equal(t, 64, cfg.SendWindow)
	assert.Equal(t, 128, cfg.RecvWindow)
	assert.Equal(t, 128, cfg.SQDepth)
	assert.Equal(t, 128, cfg.RQDepth)
	assert.Equal(t, 1024, cfg.CQDepth)
	assert.Equal(t, uint32(100), cfg.TimeoutMS)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 0, cfg.EgressPPS)
	assert.Equal(t, "", cfg.MetricsAddr)
	assert.Equal(t, "", cfg.OtelEndpoint)
	assert.False(t, cfg.RegistryEnabled)
	assert.Equal(t, "http://localhost:4001", cfg.RegistryDBURI)
	assert.NotEmpty(t, cfg.RegistryNodeID, "node id should fall back to hostname")
}

func TestLoadDaemonConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blued.yaml")
	content := `
listen_addr: "10.1.2.3:4791"
workers: 8
timeout_ms: 250
registry:
  enabled: true
  node_id: "node-42"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.1.2.3:4791", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, uint32(250), cfg.TimeoutMS)
	assert.True(t, cfg.RegistryEnabled)
	assert.Equal(t, "node-42", cfg.RegistryNodeID)

	// Unset keys keep their defaults.
	assert.Equal(t, 1024, cfg.MTU)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestLoadDaemonConfigFromEnvironment(t *testing.T) {
	t.Setenv("BLUEWIRE_LISTEN_ADDR", "0.0.0.0:14791")
	t.Setenv("BLUEWIRE_SEND_WINDOW", "32")
	t.Setenv("BLUEWIRE_REGISTRY_ENABLED", "true")

	cfg, err := LoadDaemonConfig(emptyConfigFile(t))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:14791", cfg.ListenAddr)
	assert.Equal(t, 32, cfg.SendWindow)
	assert.True(t, cfg.RegistryEnabled)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &DaemonConfig{TimeoutMS: 250, OtelIntervalS: 30}
	assert.Equal(t, "250ms", cfg.Timeout().String())
	assert.Equal(t, "30s", cfg.OtelInterval().String())
}

func TestCreateDefaultDaemonConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "blued.yaml")
	require.NoError(t, CreateDefaultDaemonConfig(path))

	// The generated file parses and reproduces the defaults.
	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4791", cfg.ListenAddr)
	assert.Equal(t, 1024, cfg.MTU)
	assert.NotEmpty(t, cfg.RegistryNodeID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "listen_addr")
	assert.Contains(t, string(data), "registry:")
}
