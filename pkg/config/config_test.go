package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().CAValidity, cfg.CAValidity)
	assert.Equal(t, 8, cfg.SchedulerConcurrency)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler_interval: 30m\nrate_limit_per_sec: 10\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 10.0, cfg.RateLimitPerSec)
	// untouched keys keep their defaults
	assert.Equal(t, Defaults().CertRenewBefore, cfg.CertRenewBefore)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.NoError(t, err)
}
