package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyBenchConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bwping.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	return path
}

func TestLoadBenchConfigDefaults(t *testing.T) {
	cfg, err := LoadBenchConfig(emptyBenchConfigFile(t))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:0", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 1024, cfg.MTU)
	assert.Equal(t, uint32(100), cfg.TimeoutMS)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Empty(t, cfg.Target)
	assert.Empty(t, cfg.TargetNode)
	assert.Equal(t, 0, cfg.Rate)
	assert.Equal(t, uint64(0), cfg.Count)
	assert.Equal(t, 4096, cfg.MessageSize)
	assert.Equal(t, 32, cfg.Outstanding)
	assert.Equal(t, 1, cfg.MixSend)
	assert.Equal(t, 1, cfg.MixWrite)
	assert.Equal(t, 1, cfg.MixRead)
	assert.Equal(t, 0, cfg.MixCompareSwap)
	assert.Equal(t, 0, cfg.MixFetchAdd)
	assert.Equal(t, uint32(5), cfg.ReportIntervalS)
}

func TestLoadBenchConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bwping.yaml")
	content := `
target: "peer1:18515"
rate: 5000
message_size: 8192
mix:
  send: 0
  write: 3
  compare_swap: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadBenchConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "peer1:18515", cfg.Target)
	assert.Equal(t, 5000, cfg.Rate)
	assert.Equal(t, 8192, cfg.MessageSize)
	assert.Equal(t, 0, cfg.MixSend)
	assert.Equal(t, 3, cfg.MixWrite)
	assert.Equal(t, 1, cfg.MixCompareSwap)

	// Unset keys keep their defaults.
	assert.Equal(t, 1, cfg.MixRead)
	assert.Equal(t, 32, cfg.Outstanding)
}

func TestLoadBenchConfigFromEnvironment(t *testing.T) {
	t.Setenv("BWPING_TARGET_NODE", "node-7")
	t.Setenv("BWPING_COUNT", "1000")

	cfg, err := LoadBenchConfig(emptyBenchConfigFile(t))
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.TargetNode)
	assert.Equal(t, uint64(1000), cfg.Count)
}

func TestCreateDefaultBenchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "bwping.yaml")
	require.NoError(t, CreateDefaultBenchConfig(path))

	cfg, err := LoadBenchConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.MessageSize)
	assert.Equal(t, 1, cfg.MixSend)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "target:")
	assert.Contains(t, string(data), "mix:")
}
