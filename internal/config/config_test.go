package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshal(t *testing.T) {
	var cfg struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 30s\nb: 45\n"), &cfg))
	assert.Equal(t, 30*time.Second, cfg.A.D())
	assert.Equal(t, 45*time.Second, cfg.B.D())

	assert.Error(t, yaml.Unmarshal([]byte("a: fast\n"), &cfg))
}

func TestLoadDefaultsAndFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Queue.Concurrency)
	assert.Equal(t, 100, cfg.Queue.RatePerMinute)
	assert.Equal(t, 3, cfg.Queue.MaxRetryAttempts)
	assert.False(t, cfg.Postgres.Enabled)
	assert.False(t, cfg.Redis.Enabled)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
server:
  port: 9090
queue:
  concurrency: 4
  base_delay: 2s
venues:
  raydium:
    fee_rate: 0.003
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Queue.BaseDelay.D())
	// Untouched fields keep their defaults.
	assert.Equal(t, 100, cfg.Queue.RatePerMinute)
	assert.InDelta(t, 0.003, cfg.Venues["raydium"].FeeRate, 1e-9)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEXRUN_HTTP_PORT", "7070")
	t.Setenv("DEXRUN_PG_DSN", "postgres://test")
	t.Setenv("DEXRUN_QUEUE_RATE_LIMIT", "250")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Postgres.Enabled)
	assert.Equal(t, "postgres://test", cfg.Postgres.DSN)
	assert.Equal(t, 250, cfg.Queue.RatePerMinute)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
