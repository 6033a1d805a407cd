// Package config is the viper-backed configuration singleton for the
// cascade CLI and watch daemon.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml with SetConfigFile.
	// Precedence: project .cascade/config.yaml > ~/.config/cascade/config.yaml > ~/.cascade/config.yaml
	configFileSet := false

	// 1. Walk up from CWD to find a project .cascade/config.yaml, so
	//    commands work from node subdirectories.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".cascade", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/cascade/config.yaml)
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "cascade", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.cascade/config.yaml)
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".cascade", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. CASCADE_ROOT, CASCADE_DEBOUNCE, CASCADE_WATCHER_FALLBACK.
	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("root", "")
	v.SetDefault("json", false)
	v.SetDefault("debounce", "250ms")
	v.SetDefault("watcher-fallback", true)
	v.SetDefault("poll-interval", "5s")
	v.SetDefault("lock-timeout", "30s")
	v.SetDefault("log-file", "")
	v.SetDefault("log-level", "info")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	return nil
}

// ensure guards against callers that skip Initialize (tests).
func ensure() {
	if v == nil {
		_ = Initialize()
	}
}

// Root returns the configured hierarchy root, or "" to use the CWD.
func Root() string {
	ensure()
	return v.GetString("root")
}

// JSON reports whether CLI output should be JSON.
func JSON() bool {
	ensure()
	return v.GetBool("json")
}

// Debounce returns the per-path debounce window.
func Debounce() time.Duration {
	ensure()
	return v.GetDuration("debounce")
}

// WatcherFallback reports whether polling fallback is permitted when
// fsnotify is unavailable.
func WatcherFallback() bool {
	ensure()
	return v.GetBool("watcher-fallback")
}

// PollInterval returns the fallback polling interval.
func PollInterval() time.Duration {
	ensure()
	return v.GetDuration("poll-interval")
}

// LockTimeout returns the registry file-lock acquisition timeout.
func LockTimeout() time.Duration {
	ensure()
	return v.GetDuration("lock-timeout")
}

// LogFile returns the watch daemon log path, or "" for stderr only.
func LogFile() string {
	ensure()
	return v.GetString("log-file")
}

// LogLevel returns the zerolog level name.
func LogLevel() string {
	ensure()
	return v.GetString("log-level")
}

// Set overrides a value (flag binding and tests).
func Set(key string, value any) {
	ensure()
	v.Set(key, value)
}
