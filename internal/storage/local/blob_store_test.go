package local

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "blobs")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "resumes/ada.pdf", "application/pdf", []byte("resume bytes"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := store.GetObject(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, []byte("resume bytes"), data)
}

func TestPutRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.pdf", "application/pdf", nil)
	require.Error(t, err)
}

func TestGetRejectsURIOutsideBaseDir(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.GetObject(context.Background(), "file:///etc/hostname")
	require.ErrorContains(t, err, "outside base directory")
}
