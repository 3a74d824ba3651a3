package config

import (
	"os"
	"path/filepath"
)

const appDirName = ".stratavore"

// DataDir returns the base data directory for Stratavore.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// CoreConfigPath returns the path to the daemon and CLI config file.
func CoreConfigPath() (string, error) {
	return dataPath("config.toml")
}

// DaemonLogPath returns the log file used by a background daemon.
func DaemonLogPath() (string, error) {
	return dataPath("daemon.log")
}

// DefaultStoragePath returns the database file for a storage backend.
func DefaultStoragePath(backend string) (string, error) {
	if backend == BackendSQLite {
		return dataPath("stratavore.sqlite")
	}
	return dataPath("stratavore.db")
}

func dataPath(name string) (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, name), nil
}
