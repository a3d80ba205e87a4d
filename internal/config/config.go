// Package config loads host configuration from hearth.toml with
// HEARTH_* environment overrides. Environment always wins over the
// file, and the file is optional; defaults keep a bare checkout
// runnable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Default configuration values.
const (
	DefaultPluginsDir    = "plugins"
	DefaultStateFile     = "config/plugin-states.json"
	DefaultInvokeTimeout = 5 * time.Second
	DefaultAdminAddr     = ":8700"
	DefaultLogLevel      = "info"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "HEARTH_"

// Config holds the host runtime configuration.
type Config struct {
	// PluginsDir is the directory scanned for plugin subdirectories.
	PluginsDir string

	// StateFile is the persisted enabled/disabled document.
	StateFile string

	// InvokeTimeout bounds each plugin lifecycle call, including the
	// entry module run. It is the sole bound on plugin execution.
	InvokeTimeout time.Duration

	// AdminAddr is the listen address for the admin HTTP interface.
	AdminAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// WatchPlugins enables filesystem watching of PluginsDir.
	WatchPlugins bool
}

// fileConfig is the on-disk TOML shape. Durations are strings so the
// file stays human-editable ("5s", "250ms").
type fileConfig struct {
	PluginsDir    string `toml:"plugins_dir"`
	StateFile     string `toml:"state_file"`
	InvokeTimeout string `toml:"invoke_timeout"`
	AdminAddr     string `toml:"admin_addr"`
	LogLevel      string `toml:"log_level"`
	WatchPlugins  *bool  `toml:"watch_plugins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginsDir:    DefaultPluginsDir,
		StateFile:     DefaultStateFile,
		InvokeTimeout: DefaultInvokeTimeout,
		AdminAddr:     DefaultAdminAddr,
		LogLevel:      DefaultLogLevel,
		WatchPlugins:  true,
	}
}

// Load reads the config file at path (missing file is not an error) and
// applies environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else {
			var fc fileConfig
			if err := toml.Unmarshal(data, &fc); err != nil {
				return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			if err := cfg.applyFile(fc); err != nil {
				return cfg, fmt.Errorf("config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) applyFile(fc fileConfig) error {
	if fc.PluginsDir != "" {
		c.PluginsDir = fc.PluginsDir
	}
	if fc.StateFile != "" {
		c.StateFile = fc.StateFile
	}
	if fc.InvokeTimeout != "" {
		d, err := time.ParseDuration(fc.InvokeTimeout)
		if err != nil {
			return fmt.Errorf("invoke_timeout: %w", err)
		}
		c.InvokeTimeout = d
	}
	if fc.AdminAddr != "" {
		c.AdminAddr = fc.AdminAddr
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.WatchPlugins != nil {
		c.WatchPlugins = *fc.WatchPlugins
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvPrefix + "PLUGINS_DIR"); ok {
		c.PluginsDir = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "STATE_FILE"); ok {
		c.StateFile = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "INVOKE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sINVOKE_TIMEOUT: %w", EnvPrefix, err)
		}
		c.InvokeTimeout = d
	}
	if v, ok := os.LookupEnv(EnvPrefix + "ADMIN_ADDR"); ok {
		c.AdminAddr = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "WATCH_PLUGINS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sWATCH_PLUGINS: %w", EnvPrefix, err)
		}
		c.WatchPlugins = b
	}
	return nil
}
