package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	s := New("archives")
	uri, err := s.Put(context.Background(), "scan-1/abc.html", "text/html", []byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "memory://archives/scan-1/abc.html", uri)

	data, ok := s.Get("archives/scan-1/abc.html")
	require.True(t, ok)
	require.Equal(t, []byte("<html></html>"), data)
	require.Equal(t, 1, s.Len())
}

func TestPutCopiesData(t *testing.T) {
	t.Parallel()

	s := New("")
	body := []byte("original")
	_, err := s.Put(context.Background(), "scan-1/a.html", "text/html", body)
	require.NoError(t, err)

	body[0] = 'X'
	data, ok := s.Get("scan-1/a.html")
	require.True(t, ok)
	require.Equal(t, []byte("original"), data)
}

func TestGetUnknownKey(t *testing.T) {
	t.Parallel()

	s := New("")
	_, ok := s.Get("missing")
	require.False(t, ok)
}
