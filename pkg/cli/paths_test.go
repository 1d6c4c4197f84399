package cli

import (
	"path/filepath"
	"testing"
)

func TestNewPaths(t *testing.T) {
	paths, err := NewPaths()
	if err != nil {
		t.Fatalf("NewPaths error: %v", err)
	}
	if paths.HomeDir == "" {
		t.Error("HomeDir should not be empty")
	}
}

func TestPaths(t *testing.T) {
	tmpDir := t.TempDir()
	paths := &Paths{HomeDir: tmpDir}
	base := filepath.Join(tmpDir, DefaultBaseDir)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"BaseDir", paths.BaseDir(), base},
		{"ConfigFile", paths.ConfigFile(), filepath.Join(base, DefaultConfigFile)},
		{"CacheDir", paths.CacheDir(), filepath.Join(base, "cache")},
		{"StoreDir", paths.StoreDir(), filepath.Join(base, "store")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}
