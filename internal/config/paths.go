package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "drivebroker"

const configFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/drivebroker).
// On macOS, uses ~/Library/Application Support/drivebroker.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for the SQLite
// metadata database. On Linux, respects XDG_DATA_HOME.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, ".local", "share")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// xdgDir returns $envVar/drivebroker when set, else home/fallback.../drivebroker.
func xdgDir(envVar, home string, fallback ...string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	parts := append([]string{home}, fallback...)
	parts = append(parts, appName)

	return filepath.Join(parts...)
}

// DefaultConfigPath returns the full path to the default config file, used
// when neither DRIVEBROKER_CONFIG nor --config is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}
