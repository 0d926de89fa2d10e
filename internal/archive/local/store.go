// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs are stored.
	BaseDir string `mapstructure:"base_dir"`
	// Prefix is prepended to every object path.
	Prefix string `mapstructure:"prefix"`
}

// Store writes archived page bodies to the local filesystem.
type Store struct {
	baseDir string
	prefix  string
}

// New creates a filesystem-backed blob store, creating BaseDir if
// needed and verifying it is writable so misconfiguration fails at
// startup rather than mid-scan.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case err != nil && os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}

	return &Store{baseDir: cfg.BaseDir, prefix: cfg.Prefix}, nil
}

// Put writes the body to a file under BaseDir and returns a file://
// URI. The object path must stay inside BaseDir.
func (s *Store) Put(_ context.Context, objectPath, _ string, data []byte) (string, error) {
	rel := filepath.Join(s.prefix, filepath.FromSlash(objectPath))
	full := filepath.Join(s.baseDir, rel)

	cleanBase := filepath.Clean(s.baseDir) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase) {
		return "", fmt.Errorf("object path %q escapes base directory", objectPath)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", fmt.Errorf("write object %s: %w", objectPath, err)
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolve object path: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
