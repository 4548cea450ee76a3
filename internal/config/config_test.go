package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SANDBOXD_POOL_TARGET", "SANDBOXD_HOT_TTL", "SANDBOXD_MAX_SNAPSHOT_BYTES",
		"SANDBOXD_CAPTURE_STATE_ON_FAILURE", "SANDBOXD_ENV",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()
	assert.Equal(t, 4, cfg.PoolTarget)
	assert.Equal(t, 2*time.Hour, cfg.HotTTL)
	assert.Equal(t, 24*time.Hour, cfg.ColdTTL)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxSnapshotBytes)
	assert.True(t, cfg.CaptureStateOnFailure)
	assert.Equal(t, "development", cfg.Env)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("SANDBOXD_POOL_TARGET", "9")
	t.Setenv("SANDBOXD_HOT_TTL", "45m")
	t.Setenv("SANDBOXD_CAPTURE_STATE_ON_FAILURE", "false")
	t.Setenv("SANDBOXD_ENV", "production")
	t.Setenv("SANDBOXD_API_KEY", "secret-key")

	cfg := Load()
	assert.Equal(t, 9, cfg.PoolTarget)
	assert.Equal(t, 45*time.Minute, cfg.HotTTL)
	assert.False(t, cfg.CaptureStateOnFailure)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "secret-key", cfg.APIKey)
}

func TestLoadIgnoresUnparseableOverrides(t *testing.T) {
	t.Setenv("SANDBOXD_POOL_TARGET", "not-a-number")
	t.Setenv("SANDBOXD_HOT_TTL", "not-a-duration")

	cfg := Load()
	assert.Equal(t, 4, cfg.PoolTarget)
	assert.Equal(t, 2*time.Hour, cfg.HotTTL)
}
