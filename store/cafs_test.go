package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
)

func TestCAFSStoreOpen(t *testing.T) {
	cafs := newTestCAFS(t)
	data := []byte("test content for CAFS")

	res := storeBytes(t, cafs, data)
	require.False(t, res.Exists)
	require.Equal(t, blobcache.Sum(data), res.ID)
	require.Equal(t, int64(len(data)), res.Size)

	f, err := cafs.Open(res.ID)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.Equal(t, filepath.Join(cafs.Root(), "blobs", res.ID.Dir(), res.ID.String()), cafs.Path(res.ID))
}

func TestCAFSDeduplication(t *testing.T) {
	cafs := newTestCAFS(t)
	data := []byte("duplicate me")

	first := storeBytes(t, cafs, data)
	second := storeBytes(t, cafs, data)

	require.True(t, second.Exists)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, countBlobs(t, cafs))
	requireSpoolEmpty(t, cafs)
}

func TestCAFSSpoolThenAdopt(t *testing.T) {
	src := newTestCAFS(t)
	dst, err := NewCAFS(filepath.Join(t.TempDir(), "dst"), WithTempDir(src.tempDir))
	require.NoError(t, err)

	data := make([]byte, 64*1024)
	_, _ = rand.Read(data)

	sp, err := src.Spool(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, blobcache.Sum(data), sp.ID)
	require.Equal(t, int64(len(data)), sp.Size)

	res, err := dst.Adopt(sp.ID, sp.Path)
	require.NoError(t, err)
	require.False(t, res.Exists)
	require.True(t, dst.Has(sp.ID))
	require.False(t, src.Has(sp.ID))

	_, err = os.Stat(sp.Path)
	require.ErrorIs(t, err, fs.ErrNotExist)
	sp.Discard()
}

func TestCAFSAdoptBetweenStores(t *testing.T) {
	root := t.TempDir()
	tmp := filepath.Join(root, "tmp")
	staging, err := NewCAFS(filepath.Join(root, "staging"), WithTempDir(tmp))
	require.NoError(t, err)
	download, err := NewCAFS(filepath.Join(root, "download"), WithTempDir(tmp))
	require.NoError(t, err)

	res := storeBytes(t, staging, []byte("move me"))

	moved, err := download.Adopt(res.ID, staging.Path(res.ID))
	require.NoError(t, err)
	require.False(t, moved.Exists)
	require.False(t, staging.Has(res.ID))
	require.NoError(t, download.Verify(res.ID))
}

func TestCAFSAdoptExistingRemovesSource(t *testing.T) {
	cafs := newTestCAFS(t)
	ctx := context.Background()
	data := []byte("already here")

	storeBytes(t, cafs, data)

	sp, err := cafs.Spool(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	res, err := cafs.Adopt(sp.ID, sp.Path)
	require.NoError(t, err)
	require.True(t, res.Exists)
	requireSpoolEmpty(t, cafs)
}

func TestCAFSNotFound(t *testing.T) {
	cafs := newTestCAFS(t)
	id := blobcache.Sum([]byte("missing"))

	_, err := cafs.Open(id)
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, err = cafs.Stat(id)
	require.ErrorIs(t, err, backend.ErrNotFound)

	require.False(t, cafs.Has(id))
	require.NoError(t, cafs.Delete(id))
}

func TestCAFSDelete(t *testing.T) {
	cafs := newTestCAFS(t)

	res := storeBytes(t, cafs, []byte("bye"))
	require.NoError(t, cafs.Delete(res.ID))
	require.False(t, cafs.Has(res.ID))
	require.NoError(t, cafs.Delete(res.ID))
}

func TestCAFSVerifyDetectsTampering(t *testing.T) {
	cafs := newTestCAFS(t)

	res := storeBytes(t, cafs, []byte("pristine"))
	require.NoError(t, cafs.Verify(res.ID))

	require.NoError(t, os.WriteFile(cafs.Path(res.ID), []byte("tampered"), 0o644))
	require.ErrorIs(t, cafs.Verify(res.ID), blobcache.ErrIntegrity)
}

func TestCAFSWalk(t *testing.T) {
	cafs := newTestCAFS(t)
	ctx := context.Background()

	var want []string
	for _, s := range []string{"one", "two", "three"} {
		res := storeBytes(t, cafs, []byte(s))
		want = append(want, res.ID.String())
	}

	// Stray files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(cafs.Root(), "blobs", "zz-not-a-blob"), []byte("x"), 0o644))

	var got []string
	require.NoError(t, cafs.Walk(ctx, func(id blobcache.Identifier, info fs.FileInfo) error {
		got = append(got, id.String())
		require.Positive(t, info.Size())
		return nil
	}))
	sort.Strings(want)
	sort.Strings(got)
	require.Equal(t, want, got)
}

func TestCAFSEmptyContent(t *testing.T) {
	cafs := newTestCAFS(t)

	res := storeBytes(t, cafs, nil)
	require.Equal(t, blobcache.Sum(nil), res.ID)
	require.Zero(t, res.Size)
	require.True(t, cafs.Has(res.ID))
}

func TestCAFSSpoolCancelled(t *testing.T) {
	cafs := newTestCAFS(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cafs.Spool(ctx, bytes.NewReader([]byte("never")))
	require.ErrorIs(t, err, context.Canceled)
	requireSpoolEmpty(t, cafs)
}

func TestNewCAFSRemovesStaleSpool(t *testing.T) {
	root := t.TempDir()
	cafs, err := NewCAFS(root)
	require.NoError(t, err)

	stale := filepath.Join(cafs.tempDir, spoolPrefix+"crashed")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	_, err = NewCAFS(root)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func newTestCAFS(t *testing.T) *CAFS {
	t.Helper()
	cafs, err := NewCAFS(t.TempDir())
	require.NoError(t, err)
	return cafs
}

// storeBytes spools data and adopts it, the way both cache tiers add files.
func storeBytes(t *testing.T, cafs *CAFS, data []byte) *PutResult {
	t.Helper()
	sp, err := cafs.Spool(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	res, err := cafs.Adopt(sp.ID, sp.Path)
	require.NoError(t, err)
	return res
}

func countBlobs(t *testing.T, cafs *CAFS) int {
	t.Helper()
	n := 0
	require.NoError(t, cafs.Walk(context.Background(), func(blobcache.Identifier, fs.FileInfo) error {
		n++
		return nil
	}))
	return n
}

func requireSpoolEmpty(t *testing.T, cafs *CAFS) {
	t.Helper()
	entries, err := os.ReadDir(cafs.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
