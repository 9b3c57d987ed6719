package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDryRunExecutor(t *testing.T) {
	out, err := dryRunExecutor{}.Execute(context.Background(), "read_file", map[string]any{"path": "/tmp/x"}, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, true, m["dry_run"])
	assert.Equal(t, "read_file", m["tool"])
}

func TestCheckCommandFlags(t *testing.T) {
	cmd := newCheckCommand()
	assert.Equal(t, "check", cmd.Use)
	for _, name := range []string{"tool", "params", "server", "user", "role", "output", "timeout"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestLoadServeConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen":"127.0.0.1:7000","data_dir":"`+dir+`"}`), 0o600))

	origConfig, origListen, origKey := configFile, listen, apiKey
	t.Cleanup(func() { configFile, listen, apiKey = origConfig, origListen, origKey })

	configFile = path
	listen = "127.0.0.1:7001"
	apiKey = "sekrit"

	cfg, err := loadServeConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", cfg.Listen)
	assert.Equal(t, "sekrit", cfg.APIKey)
	assert.Equal(t, dir, cfg.DataDir)
}
