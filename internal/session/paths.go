// Package session resolves the active session name and its on-disk layout
// under ~/.tgsync.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tgsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tgsync")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SnapshotDBPath returns the snapshot database path for a session.
func SnapshotDBPath(name string) string {
	return filepath.Join(Dir(name), "snapshot.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "tgsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
