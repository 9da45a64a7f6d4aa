package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wavesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSmoothingFactor, cfg.Smoothing.Factor)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, []string{"brute", "grunt", "runner"}, cfg.Enemies.Types())
}

func TestLoadConfigOverlay(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
tick_rate: 30
codec: msgpack
seed: lobby-7
smoothing:
  factor: 0.5
  reference_interval: 33ms
waves:
  base_count: 5
enemies:
  bat: {health: 5, speed: 2}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 30, cfg.TickRate)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, "lobby-7", cfg.Seed)
	assert.Equal(t, 0.5, cfg.Smoothing.Factor)
	assert.Equal(t, 33*time.Millisecond, cfg.Smoothing.ReferenceInterval)
	assert.Equal(t, 5, cfg.Waves.BaseCount)
	assert.Equal(t, 2, cfg.Waves.PerWave, "untouched keys keep defaults")
	assert.Equal(t, []string{"bat"}, cfg.Enemies.Types(), "catalog is replaced, not merged")
}

func TestLoadConfigKeepsDefaultCatalog(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "tick_rate: 10\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"brute", "grunt", "runner"}, cfg.Enemies.Types())
}

func TestLoadConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"factor":   "smoothing: {factor: 1.5}",
		"tick":     "tick_rate: 0",
		"codec":    "codec: xml",
		"enemy hp": "enemies: {bat: {health: 0}}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(writeConfig(t, "tick_rate: [1"))
	assert.Error(t, err)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "wavesync.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "match-1", cfg.Seed)
	assert.Zero(t, cfg.Smoothing.ReferenceInterval)
}
