package backend

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestBolt(t *testing.T, opts ...BoltOption) *Bolt {
	t.Helper()
	opts = append([]BoltOption{WithBoltNoSync(true)}, opts...)
	b, err := OpenBolt(filepath.Join(t.TempDir(), "blobs.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func rawHeader(t *testing.T, b *Bolt, key string) *ValueHeader {
	t.Helper()
	raw, err := b.get(key)
	require.NoError(t, err)
	header, _, err := ReadFramed(bytes.NewReader(raw))
	require.NoError(t, err)
	return header
}

func TestBoltCompression(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := newTestBolt(t, WithBoltNow(func() time.Time { return fixed }))
	ctx := context.Background()

	small := "tiny"
	compressible := strings.Repeat("abcdefgh", 1024)

	require.NoError(t, b.Write(ctx, "small", strings.NewReader(small)))
	require.NoError(t, b.Write(ctx, "big", strings.NewReader(compressible)))

	h := rawHeader(t, b, "small")
	require.Equal(t, EncodingIdentity, h.ContentEncoding)
	require.Equal(t, int64(len(small)), h.ContentLength)
	require.Equal(t, "2026-01-02T03:04:05Z", h.StoredAt)

	h = rawHeader(t, b, "big")
	require.Equal(t, EncodingZstd, h.ContentEncoding)
	require.Equal(t, int64(len(compressible)), h.ContentLength)

	require.Equal(t, small, readKey(t, b, "small"))
	require.Equal(t, compressible, readKey(t, b, "big"))

	size, err := b.Size(ctx, "big")
	require.NoError(t, err)
	require.Equal(t, int64(len(compressible)), size)
}

func TestBoltDetectsCorruption(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "k", strings.NewReader("original value")))

	raw, err := b.get("k")
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Put([]byte("k"), raw)
	}))

	_, err = b.Read(ctx, "k")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestBoltWalkAcrossBatches(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	total := walkBatchSize*2 + 7
	for i := range total {
		require.NoError(t, b.Write(ctx, fmt.Sprintf("many/%05d", i), strings.NewReader("v")))
	}
	require.NoError(t, b.Write(ctx, "other/key", strings.NewReader("v")))

	var seen []string
	require.NoError(t, b.Walk(ctx, "many/", func(key string) error {
		// fn runs outside the read transaction, so writes are allowed.
		if len(seen) == 0 {
			require.NoError(t, b.Write(ctx, "other/second", strings.NewReader("v")))
		}
		seen = append(seen, key)
		return nil
	}))
	require.Len(t, seen, total)
	require.Equal(t, "many/00000", seen[0])
	require.Equal(t, fmt.Sprintf("many/%05d", total-1), seen[total-1])
}

func TestBoltClose(t *testing.T) {
	b := newTestBolt(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Exists(context.Background(), "k")
	require.Error(t, err)
}
