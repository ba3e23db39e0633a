package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.dockerlogs, home of the default config file and database.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".dockerlogs"), nil
}

// DefaultConfigPath returns ~/.dockerlogs/config.yaml when that file exists, or "".
func DefaultConfigPath() string {
	dir, err := GetUserConfigDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// EnsureDBDir creates the parent directory of the database file.
func EnsureDBDir(dbPath string) error {
	if dbPath == "" || dbPath == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(dbPath), 0755)
}
