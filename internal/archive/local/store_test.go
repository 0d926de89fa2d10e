package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutWritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	s, err := New(Config{BaseDir: base, Prefix: "archives"})
	require.NoError(t, err)

	uri, err := s.Put(context.Background(), "scan-1/abc.html", "text/html", []byte("<html></html>"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"), "got %q", uri)

	data, err := os.ReadFile(filepath.Join(base, "archives", "scan-1", "abc.html"))
	require.NoError(t, err)
	require.Equal(t, []byte("<html></html>"), data)
}

func TestPutRejectsPathEscape(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "../outside.html", "text/html", []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes base directory")
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "nested", "archive")
	_, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewRejectsFileAsBaseDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := New(Config{BaseDir: file})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a directory")
}
