// Package config loads mapd's runtime configuration from a YAML file,
// environment variables, and command-line flags, in that ascending order
// of precedence, resolved once at boot into a single Config struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is mapd's fully-resolved runtime configuration.
type Config struct {
	AddonsDir      string        `mapstructure:"addons_dir"`
	RegistryPath   string        `mapstructure:"registry_path"`
	ScratchDir     string        `mapstructure:"scratch_dir"`
	BackendBaseURL string        `mapstructure:"backend_url"`
	BackendToken   string        `mapstructure:"backend_token"`
	BindAddr       string        `mapstructure:"bind_addr"`
	SyncInterval   time.Duration `mapstructure:"sync_interval_seconds"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
}

// envVar maps each field to the MAPD_* variable documented in the
// configuration surface.
var envVar = map[string]string{
	"addons_dir":            "MAPD_ADDONS_DIR",
	"registry_path":         "MAPD_REGISTRY_PATH",
	"scratch_dir":           "MAPD_SCRATCH_DIR",
	"backend_url":           "MAPD_BACKEND_URL",
	"backend_token":         "MAPD_BACKEND_TOKEN",
	"bind_addr":             "MAPD_BIND_ADDR",
	"sync_interval_seconds": "MAPD_SYNC_INTERVAL_SECONDS",
	"log_level":             "MAPD_LOG_LEVEL",
	"log_format":            "MAPD_LOG_FORMAT",
}

func defaults() map[string]any {
	return map[string]any{
		"addons_dir":            "/srv/gameserver/left4dead2/addons",
		"registry_path":         "/var/lib/mapd/registry.db",
		"scratch_dir":           "/var/lib/mapd/scratch",
		"backend_url":           "",
		"backend_token":         "",
		"bind_addr":             "127.0.0.1:8085",
		"sync_interval_seconds": 60,
		"log_level":             "info",
		"log_format":            "json",
	}
}

// Load builds a *viper.Viper layered file < env < flags, then decodes it
// into a Config. configPath may be empty or point at a file that does not
// exist, in which case only defaults, env vars, and flags apply. flags, if
// non-nil, is bound so that any flag the caller actually set takes final
// precedence.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	for key, val := range defaults() {
		v.SetDefault(key, val)
	}
	for key, env := range envVar {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	syncSeconds := v.GetInt64("sync_interval_seconds")
	cfg := &Config{
		AddonsDir:      v.GetString("addons_dir"),
		RegistryPath:   v.GetString("registry_path"),
		ScratchDir:     v.GetString("scratch_dir"),
		BackendBaseURL: v.GetString("backend_url"),
		BackendToken:   v.GetString("backend_token"),
		BindAddr:       v.GetString("bind_addr"),
		SyncInterval:   time.Duration(syncSeconds) * time.Second,
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
	}
	return cfg, nil
}
