package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setFlags(t *testing.T, config, level string) {
	configFile, dataDir, catalogName, logLevel = config, t.TempDir(), "", level
	t.Cleanup(func() {
		configFile, dataDir, catalogName, logLevel = "", "", "", ""
	})
}

func TestLoadConfigLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinydoc.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"error\"\n"), 0o644))

	setFlags(t, path, "")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)

	setFlags(t, path, "debug")
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	setFlags(t, "", "")
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultLogLevel, cfg.Log.Level)
	assert.False(t, cfg.SyncWrites)
}
