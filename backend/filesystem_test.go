package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backend")

	fsb, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fsb.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemSize(t *testing.T) {
	fsb := newTestFilesystem(t)
	ctx := context.Background()

	data := "test data for size check"
	require.NoError(t, fsb.Write(ctx, "size/key", strings.NewReader(data)))

	size, err := fsb.Size(ctx, "size/key")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	_, err = fsb.Size(ctx, "size/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemWriterAbortKeepsPrevious(t *testing.T) {
	fsb := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fsb.Write(ctx, "atomic/key", strings.NewReader("original")))

	w, err := fsb.writer("atomic/key")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	require.Equal(t, "original", readKey(t, fsb, "atomic/key"))
	requireNoTempFiles(t, filepath.Join(fsb.Root(), "atomic"))
}

func TestFilesystemWriterCommitsOnClose(t *testing.T) {
	fsb := newTestFilesystem(t)
	ctx := context.Background()

	w, err := fsb.writer("writer/key")
	require.NoError(t, err)
	_, err = io.WriteString(w, "written via writer")
	require.NoError(t, err)

	ok, err := fsb.Exists(ctx, "writer/key")
	require.NoError(t, err)
	require.False(t, ok, "uncommitted write must not be visible")

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Equal(t, "written via writer", readKey(t, fsb, "writer/key"))
}

func TestFilesystemWalkSkipsTempFiles(t *testing.T) {
	fsb := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fsb.Write(ctx, "blobs/aa/real", strings.NewReader("x")))
	require.NoError(t, os.WriteFile(filepath.Join(fsb.Root(), "blobs", "aa", tmpPrefix+"123"), []byte("y"), 0o644))

	keys, err := fsb.List(ctx, "blobs")
	require.NoError(t, err)
	require.Equal(t, []string{"blobs/aa/real"}, keys)
}

func TestFilesystemWalkMissingPrefix(t *testing.T) {
	fsb := newTestFilesystem(t)

	keys, err := fsb.List(context.Background(), "nothing/here")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fsb, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fsb
}

func requireNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), tmpPrefix), "leftover temp file %s", e.Name())
	}
}
