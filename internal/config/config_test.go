package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Engine.MaxLeverage = 0
	cfg.Server.Port = 99999

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "max_leverage")
	assert.Contains(t, err.Error(), "port")
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
mode = "server"

[engine]
max_leverage = 10
funding_interval = "30m"

[server]
port = 9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("EXCHANGE_SERVER_PORT", "7070")
	t.Setenv("EXCHANGE_ENGINE_LOCK_WAIT", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, float64(10), cfg.Engine.MaxLeverage)
	assert.Equal(t, 30*time.Minute, cfg.Engine.FundingInterval.Duration)
	// Env wins over file.
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.LockWait.Duration)
	// Untouched fields keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Password = "hunter2"
	cfg.S3.SecretKey = "secret"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Database.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	// Original is untouched.
	assert.Equal(t, "hunter2", cfg.Database.Password)
}
