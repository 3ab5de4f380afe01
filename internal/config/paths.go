package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.confide.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".confide")
}

// Path returns the global config file path.
func Path() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// CacheDBPath returns the local history cache path.
func CacheDBPath() string {
	return filepath.Join(BaseDir(), "confide.db")
}

// LockPath returns the daemon lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "confided.log")
}

// EnsureDirs creates the data directory tree with proper permissions.
func EnsureDirs() error {
	for _, d := range []string{BaseDir(), LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
