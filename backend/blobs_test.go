package backend

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache"
)

func TestBlobsRoundTrip(t *testing.T) {
	b := NewBlobs(newTestFilesystem(t))
	ctx := context.Background()

	data := "record content"
	id := blobcache.Sum([]byte(data))

	require.NoError(t, b.Write(ctx, id, strings.NewReader(data)))

	ok, err := b.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	rc, err := b.Read(ctx, id)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, string(got))

	require.NoError(t, b.Delete(ctx, id))
	require.NoError(t, b.Delete(ctx, id))

	_, err = b.Read(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBlobsIdentifiers(t *testing.T) {
	for name, kv := range map[string]Backend{
		"filesystem": newTestFilesystem(t),
		"bolt":       newTestBolt(t),
	} {
		t.Run(name, func(t *testing.T) {
			b := NewBlobs(kv)
			ctx := context.Background()

			var want []string
			for _, s := range []string{"a", "b", "c"} {
				id := blobcache.Sum([]byte(s))
				require.NoError(t, b.Write(ctx, id, strings.NewReader(s)))
				want = append(want, id.String())
			}
			// Non-blob keys must not leak into enumeration.
			_, err := b.Reference(ctx, blobcache.Sum([]byte("a")))
			require.NoError(t, err)
			require.NoError(t, b.WriteInline(ctx, blobcache.Sum([]byte("i")), []byte("i")))
			require.NoError(t, kv.Write(ctx, "blobs/zz/not-an-id", strings.NewReader("x")))

			var got []string
			for id, err := range b.Identifiers(ctx) {
				require.NoError(t, err)
				got = append(got, id.String())
			}
			sort.Strings(want)
			sort.Strings(got)
			require.Equal(t, want, got)
		})
	}
}

func TestBlobsSize(t *testing.T) {
	for name, kv := range map[string]Backend{
		"filesystem": newTestFilesystem(t),
		"bolt":       newTestBolt(t),
	} {
		t.Run(name, func(t *testing.T) {
			b := NewBlobs(NewInstrumentedBackend(kv, name))
			ctx := context.Background()

			data := strings.Repeat("sized ", 1000)
			id := blobcache.Sum([]byte(data))
			require.NoError(t, b.Write(ctx, id, strings.NewReader(data)))

			size, err := b.Size(ctx, id)
			require.NoError(t, err)
			require.Equal(t, int64(len(data)), size)

			_, err = b.Size(ctx, blobcache.Sum([]byte("absent")))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBlobsInlineRecords(t *testing.T) {
	for name, kv := range map[string]Backend{
		"filesystem": newTestFilesystem(t),
		"bolt":       newTestBolt(t),
	} {
		t.Run(name, func(t *testing.T) {
			b := NewBlobs(kv)
			ctx := context.Background()

			small := []byte("small")
			tiny := []byte("t")
			require.NoError(t, b.WriteInline(ctx, blobcache.Sum(small), small))
			require.NoError(t, b.WriteInline(ctx, blobcache.Sum(tiny), tiny))

			// Inline records are not blobs.
			ok, err := b.Exists(ctx, blobcache.Sum(small))
			require.NoError(t, err)
			require.False(t, ok)

			// A record whose content no longer matches its key is reported.
			forged := blobcache.Sum([]byte("forged"))
			require.NoError(t, kv.Write(ctx, blobcache.InlineKey(forged), strings.NewReader("other")))

			got := map[blobcache.Identifier][]byte{}
			var corrupt []blobcache.Identifier
			for rec, err := range b.InlineRecords(ctx) {
				if err != nil {
					require.ErrorIs(t, err, blobcache.ErrIntegrity)
					corrupt = append(corrupt, rec.ID)
					continue
				}
				got[rec.ID] = rec.Data
			}
			require.Equal(t, map[blobcache.Identifier][]byte{
				blobcache.Sum(small): small,
				blobcache.Sum(tiny):  tiny,
			}, got)
			require.Equal(t, []blobcache.Identifier{forged}, corrupt)

			require.NoError(t, b.DeleteInline(ctx, blobcache.Sum(small)))
			require.NoError(t, b.DeleteInline(ctx, blobcache.Sum(small)))
			n := 0
			for _, err := range b.InlineRecords(ctx) {
				if err == nil {
					n++
				}
			}
			require.Equal(t, 1, n)
		})
	}
}

func TestBlobsIdentifiersEarlyStop(t *testing.T) {
	b := NewBlobs(newTestBolt(t))
	ctx := context.Background()

	for _, s := range []string{"1", "2", "3", "4"} {
		require.NoError(t, b.Write(ctx, blobcache.Sum([]byte(s)), strings.NewReader(s)))
	}

	n := 0
	for _, err := range b.Identifiers(ctx) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)
}

func TestBlobsReference(t *testing.T) {
	kv := newTestFilesystem(t)
	b := NewBlobs(kv)
	ctx := context.Background()

	id := blobcache.Sum([]byte("referenced"))
	ref, err := b.Reference(ctx, id)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref, id.String()+":"))
	require.Len(t, ref, 64+1+64)

	again, err := b.Reference(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ref, again)

	// A second adapter over the same store loads the persisted key.
	reopened, err := NewBlobs(kv).Reference(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ref, reopened)

	// A different repository secret yields a different token.
	other, err := NewBlobs(newTestFilesystem(t)).Reference(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, ref, other)

	otherID, err := b.Reference(ctx, blobcache.Sum([]byte("other")))
	require.NoError(t, err)
	require.NotEqual(t, ref, otherID)
}

func TestBlobsReferenceRejectsBadKey(t *testing.T) {
	kv := newTestFilesystem(t)
	require.NoError(t, kv.Write(context.Background(), ReferenceKeyPath, strings.NewReader("short")))

	_, err := NewBlobs(kv).Reference(context.Background(), blobcache.Sum([]byte("x")))
	require.Error(t, err)
}
