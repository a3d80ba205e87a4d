package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PluginsDir != DefaultPluginsDir {
		t.Errorf("PluginsDir = %q", cfg.PluginsDir)
	}
	if cfg.StateFile != DefaultStateFile {
		t.Errorf("StateFile = %q", cfg.StateFile)
	}
	if cfg.InvokeTimeout != DefaultInvokeTimeout {
		t.Errorf("InvokeTimeout = %v", cfg.InvokeTimeout)
	}
	if !cfg.WatchPlugins {
		t.Error("WatchPlugins = false, want true by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.toml")
	contents := `
plugins_dir = "/srv/plugins"
invoke_timeout = "2s"
log_level = "debug"
watch_plugins = false
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PluginsDir != "/srv/plugins" {
		t.Errorf("PluginsDir = %q", cfg.PluginsDir)
	}
	if cfg.InvokeTimeout != 2*time.Second {
		t.Errorf("InvokeTimeout = %v, want 2s", cfg.InvokeTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.WatchPlugins {
		t.Error("WatchPlugins = true, want false from file")
	}
	// Unset keys keep their defaults.
	if cfg.StateFile != DefaultStateFile {
		t.Errorf("StateFile = %q, want default", cfg.StateFile)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.toml")
	if err := os.WriteFile(path, []byte(`plugins_dir = "/from-file"`), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HEARTH_PLUGINS_DIR", "/from-env")
	t.Setenv("HEARTH_INVOKE_TIMEOUT", "750ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PluginsDir != "/from-env" {
		t.Errorf("PluginsDir = %q, want env override", cfg.PluginsDir)
	}
	if cfg.InvokeTimeout != 750*time.Millisecond {
		t.Errorf("InvokeTimeout = %v, want 750ms", cfg.InvokeTimeout)
	}
}

func TestInvalidDuration(t *testing.T) {
	t.Setenv("HEARTH_INVOKE_TIMEOUT", "not-a-duration")
	if _, err := Load(""); err == nil {
		t.Error("Load() with bad duration did not error")
	}
}

func TestInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.toml")
	if err := os.WriteFile(path, []byte("plugins_dir = ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() with invalid TOML did not error")
	}
}
