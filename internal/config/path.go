package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns where the local retry store lives when DATA_DIR is
// unset. It prefers standard locations and falls back to a dotdir in the
// user's home directory.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}

	// XDG (Linux) override
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "analysis-worker")
	}

	// Only use /var/lib when we can write there.
	if isWritableDir("/var/lib") {
		return "/var/lib/analysis-worker"
	}

	// macOS
	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "analysis-worker")
	}

	return filepath.Join(homeDir, ".analysis-worker")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func isWritableDir(path string) bool {
	if !isDir(path) {
		return false
	}
	f, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
