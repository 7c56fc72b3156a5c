package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.CacheCapacity)
	assert.Equal(t, 90*24*time.Hour, cfg.GCReflogRetention)
	assert.False(t, cfg.ChunkingForceOnPrecompressed)
	assert.True(t, cfg.DeltaEnabled)
	assert.Equal(t, ".mediagit", cfg.BackendDir)
}

func TestLoader_EnvironmentOverride(t *testing.T) {
	t.Setenv("MEDIAGIT_CACHE_CAPACITY", "42")
	t.Setenv("MEDIAGIT_DELTA_ENABLED", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.CacheCapacity)
	assert.False(t, cfg.DeltaEnabled)
}

func TestLoader_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/mediagit.yaml"
	contents := "cache:\n  capacity: 77\nchunking:\n  force_on_precompressed: true\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	l := NewLoader()
	l.SetConfigFile(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 77, cfg.CacheCapacity)
	assert.True(t, cfg.ChunkingForceOnPrecompressed)
	// Unset fields in the file still fall back to defaults.
	assert.True(t, cfg.DeltaEnabled)
}
