package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/wolfeidau/blobcache"
	"github.com/zeebo/blake3"
)

// ReferenceKeyPath is where Blobs keeps the secret used to derive references.
const ReferenceKeyPath = "meta/reference.key"

const referenceKeySize = 32

// BlobBackend is the identifier level store the cache sits in front of.
type BlobBackend interface {
	// Write stores the content for id. Writing an existing id is a no-op at
	// the content level.
	Write(ctx context.Context, id blobcache.Identifier, r io.Reader) error

	// Read opens the content for id. Returns ErrNotFound if absent.
	Read(ctx context.Context, id blobcache.Identifier) (io.ReadCloser, error)

	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id blobcache.Identifier) error

	// Exists reports whether id is stored.
	Exists(ctx context.Context, id blobcache.Identifier) (bool, error)

	// Identifiers enumerates every stored id. The sequence is finite and
	// not necessarily sorted.
	Identifiers(ctx context.Context) iter.Seq2[blobcache.Identifier, error]

	// Size returns the stored length of id without reading it where the
	// underlying store allows. Returns ErrNotFound if absent.
	Size(ctx context.Context, id blobcache.Identifier) (int64, error)

	// Reference returns the opaque reference token for id, or "" if the
	// backend has none.
	Reference(ctx context.Context, id blobcache.Identifier) (string, error)

	// WriteInline stores a small record outside the blob prefix. Inline
	// records are not listed by Identifiers.
	WriteInline(ctx context.Context, id blobcache.Identifier, data []byte) error

	// DeleteInline removes an inline record. Deleting an absent id is not an
	// error.
	DeleteInline(ctx context.Context, id blobcache.Identifier) error

	// InlineRecords enumerates every inline record with its content.
	InlineRecords(ctx context.Context) iter.Seq2[InlineRecord, error]
}

// InlineRecord is a record kept whole under the inline prefix.
type InlineRecord struct {
	ID   blobcache.Identifier
	Data []byte
}

// Blobs adapts a key/value Backend to BlobBackend using the StorageKey
// layout.
type Blobs struct {
	kv Backend

	keyMu  sync.Mutex
	refKey []byte
}

// NewBlobs wraps kv.
func NewBlobs(kv Backend) *Blobs {
	return &Blobs{kv: kv}
}

// Unwrap returns the underlying key/value backend.
func (b *Blobs) Unwrap() Backend {
	return b.kv
}

func (b *Blobs) Write(ctx context.Context, id blobcache.Identifier, r io.Reader) error {
	if err := b.kv.Write(ctx, blobcache.StorageKey(id), r); err != nil {
		return fmt.Errorf("writing blob %s: %w", id.Short(), err)
	}
	return nil
}

func (b *Blobs) Read(ctx context.Context, id blobcache.Identifier) (io.ReadCloser, error) {
	rc, err := b.kv.Read(ctx, blobcache.StorageKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading blob %s: %w", id.Short(), err)
	}
	return rc, nil
}

func (b *Blobs) Delete(ctx context.Context, id blobcache.Identifier) error {
	if err := b.kv.Delete(ctx, blobcache.StorageKey(id)); err != nil {
		return fmt.Errorf("deleting blob %s: %w", id.Short(), err)
	}
	return nil
}

func (b *Blobs) Exists(ctx context.Context, id blobcache.Identifier) (bool, error) {
	ok, err := b.kv.Exists(ctx, blobcache.StorageKey(id))
	if err != nil {
		return false, fmt.Errorf("checking blob %s: %w", id.Short(), err)
	}
	return ok, nil
}

func (b *Blobs) Size(ctx context.Context, id blobcache.Identifier) (int64, error) {
	size, err := Size(ctx, b.kv, blobcache.StorageKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("sizing blob %s: %w", id.Short(), err)
	}
	return size, nil
}

// Identifiers walks the blob prefix. Keys that do not parse as storage keys
// are skipped.
func (b *Blobs) Identifiers(ctx context.Context) iter.Seq2[blobcache.Identifier, error] {
	return func(yield func(blobcache.Identifier, error) bool) {
		errStop := errors.New("stop")
		err := Walk(ctx, b.kv, blobcache.BlobPrefix+"/", func(key string) error {
			if !strings.HasPrefix(key, blobcache.BlobPrefix+"/") {
				return nil
			}
			id, err := blobcache.ParseStorageKey(key)
			if err != nil {
				return nil
			}
			if !yield(id, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(blobcache.Identifier{}, fmt.Errorf("listing blobs: %w", err))
		}
	}
}

// Reference returns "<hex id>:<hex mac>" where mac is a keyed BLAKE3 of the
// hex id under the repository secret. The token depends only on id, so it
// is stable across uploads and deletes.
func (b *Blobs) Reference(ctx context.Context, id blobcache.Identifier) (string, error) {
	key, err := b.referenceKey(ctx)
	if err != nil {
		return "", err
	}
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return "", fmt.Errorf("creating reference hasher: %w", err)
	}
	hexID := id.String()
	_, _ = h.Write([]byte(hexID))
	return hexID + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

func (b *Blobs) WriteInline(ctx context.Context, id blobcache.Identifier, data []byte) error {
	if err := b.kv.Write(ctx, blobcache.InlineKey(id), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing inline record %s: %w", id.Short(), err)
	}
	return nil
}

func (b *Blobs) DeleteInline(ctx context.Context, id blobcache.Identifier) error {
	if err := b.kv.Delete(ctx, blobcache.InlineKey(id)); err != nil {
		return fmt.Errorf("deleting inline record %s: %w", id.Short(), err)
	}
	return nil
}

// InlineRecords walks the inline prefix and reads each record. Content that
// no longer matches its key is reported as blobcache.ErrIntegrity and the
// walk continues.
func (b *Blobs) InlineRecords(ctx context.Context) iter.Seq2[InlineRecord, error] {
	return func(yield func(InlineRecord, error) bool) {
		errStop := errors.New("stop")
		err := Walk(ctx, b.kv, blobcache.InlinePrefix+"/", func(key string) error {
			id, err := blobcache.ParseInlineKey(key)
			if err != nil {
				return nil
			}
			data, err := b.readInline(ctx, key)
			switch {
			case errors.Is(err, ErrNotFound):
				return nil
			case err != nil:
				return err
			case blobcache.Sum(data) != id:
				err = fmt.Errorf("%w: inline record %s", blobcache.ErrIntegrity, id.Short())
				if !yield(InlineRecord{ID: id}, err) {
					return errStop
				}
				return nil
			}
			if !yield(InlineRecord{ID: id, Data: data}, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield(InlineRecord{}, fmt.Errorf("listing inline records: %w", err))
		}
	}
}

func (b *Blobs) readInline(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.kv.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// referenceKey loads the secret, creating it on first use.
func (b *Blobs) referenceKey(ctx context.Context) ([]byte, error) {
	b.keyMu.Lock()
	defer b.keyMu.Unlock()

	if b.refKey != nil {
		return b.refKey, nil
	}

	rc, err := b.kv.Read(ctx, ReferenceKeyPath)
	switch {
	case err == nil:
		defer func() { _ = rc.Close() }()
		key, err := io.ReadAll(io.LimitReader(rc, referenceKeySize+1))
		if err != nil {
			return nil, fmt.Errorf("reading reference key: %w", err)
		}
		if len(key) != referenceKeySize {
			return nil, fmt.Errorf("reference key has %d bytes, expected %d", len(key), referenceKeySize)
		}
		b.refKey = key
	case errors.Is(err, ErrNotFound):
		key := make([]byte, referenceKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating reference key: %w", err)
		}
		if err := b.kv.Write(ctx, ReferenceKeyPath, bytes.NewReader(key)); err != nil {
			return nil, fmt.Errorf("storing reference key: %w", err)
		}
		b.refKey = key
	default:
		return nil, fmt.Errorf("loading reference key: %w", err)
	}
	return b.refKey, nil
}

var _ BlobBackend = (*Blobs)(nil)
