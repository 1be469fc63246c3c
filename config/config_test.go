package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Event.Driver)
	assert.Equal(t, DefaultPollInterval, time.Duration(cfg.Engine.PollInterval))
	assert.Equal(t, DefaultMaxAttempts, cfg.Engine.MaxAttempts)
	assert.Equal(t, DefaultWorkers, cfg.Engine.Workers)
}

func TestLoadConfigParsesDurationsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wirebird.json")
	data := `{
		"storage": {"driver": "sqlite"},
		"engine": {"poll_interval": "5s", "cooldown": 2000000000, "max_attempts": 7}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, DefaultSQLiteDSN, cfg.Storage.DSN)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Engine.PollInterval))
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Engine.Cooldown))
	assert.Equal(t, 7, cfg.Engine.MaxAttempts)
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, time.Minute, Duration(0).Or(time.Minute))
	assert.Equal(t, time.Second, Duration(time.Second).Or(time.Minute))
}
