package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8085", cfg.BindAddr)
	assert.Equal(t, 60*time.Second, cfg.SyncInterval)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addons_dir: /custom/addons\nlog_level: debug\n"), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/custom/addons", cfg.AddonsDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: 0.0.0.0:9000\n"), 0o644))

	t.Setenv("MAPD_BIND_ADDR", "0.0.0.0:9999")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.BindAddr)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Setenv("MAPD_BIND_ADDR", "0.0.0.0:9999")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("bind_addr", "", "")
	require.NoError(t, flags.Set("bind_addr", "0.0.0.0:7000"))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.BindAddr)
}
