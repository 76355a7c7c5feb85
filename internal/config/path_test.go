package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got, want := DefaultDataDir(), "/custom/data/analysis-worker"; got != want {
		t.Fatalf("DefaultDataDir() = %s, want %s", got, want)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("expected fallback to ./data, got %s", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	got := DefaultDataDir()
	if !filepath.IsAbs(got) && !strings.HasPrefix(got, "./") {
		t.Fatalf("expected absolute or ./ path, got %s", got)
	}
	if !strings.HasSuffix(got, "analysis-worker") && got != "./data" {
		t.Fatalf("unexpected data dir %s", got)
	}
	if again := DefaultDataDir(); again != got {
		t.Fatalf("DefaultDataDir not stable: %s vs %s", got, again)
	}
}

func TestIsDir(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "existing directory", path: ".", expected: true},
		{name: "non-existent path", path: "/non/existent/path/that/does/not/exist", expected: false},
		{name: "file instead of directory", path: os.Args[0], expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDir(tt.path); got != tt.expected {
				t.Errorf("isDir(%s) = %v, expected %v", tt.path, got, tt.expected)
			}
		})
	}
}

func TestIsWritableDir(t *testing.T) {
	dir := t.TempDir()
	if !isWritableDir(dir) {
		t.Fatalf("temp dir should be writable")
	}
	if isWritableDir(filepath.Join(dir, "missing")) {
		t.Fatalf("missing dir reported writable")
	}
}
