package flashstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DecodesStoresAndLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[stores.telemetry]
max_data_size = 4096
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 4096, cfg.Stores["telemetry"].MaxDataSize)
}

func TestLoadConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDefaultEngineConfig_HasNoPreProvisionedStores(t *testing.T) {
	cfg := DefaultEngineConfig()
	require.Equal(t, "info", cfg.LogLevel)
	require.Empty(t, cfg.Stores)
}
