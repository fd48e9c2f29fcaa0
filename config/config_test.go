package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "mongoUri: mongodb://localhost:27017\n")
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxArraySize)
	assert.Equal(t, 500, cfg.MaxBulkSize)
	assert.Equal(t, 500*time.Millisecond, cfg.MaxBulkDelay)
	assert.Equal(t, 16, cfg.Parallelism)
	assert.Equal(t, "memory", cfg.CacheThing.Dispatcher)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, "mongoUri: mongodb://localhost:27017\nmaxBulkSize: 1000\nparallelism: 32\n")
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MaxBulkSize)
	assert.Equal(t, 32, cfg.Parallelism)
}

func TestLoad_MissingMongoURIFailsValidation(t *testing.T) {
	path := writeConfigFile(t, "maxBulkSize: 100\n")
	_, err := Load(viper.New(), path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "mongoUri: mongodb://localhost:27017\nmaxBulkSize: 100\n")
	t.Setenv("TWINUPDATER_MAXBULKSIZE", "250")
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.MaxBulkSize)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}
