package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/blobcache"
	"go.etcd.io/bbolt"
)

const (
	// CompressionThreshold is the minimum value size before compression is
	// considered. zstd overhead is not worth it for smaller values.
	CompressionThreshold = 2048

	// MaxValueSize caps a single value, bbolt keeps values in its mmap.
	MaxValueSize = 256 * 1024 * 1024

	walkBatchSize = 256
)

var bucketValues = []byte("values")

// ErrValueTooLarge is returned when a write exceeds MaxValueSize.
var ErrValueTooLarge = errors.New("value exceeds maximum size")

// ErrCorrupted is returned when a stored value fails its digest check.
var ErrCorrupted = errors.New("stored value digest mismatch")

// Bolt implements Backend on a single bbolt database file. Values are framed
// with a ValueHeader and zstd-compressed when that saves space.
type Bolt struct {
	db      *bbolt.DB
	now     func() time.Time
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// BoltOption configures a Bolt backend.
type BoltOption func(*boltOptions)

type boltOptions struct {
	noSync  bool
	timeout time.Duration
	now     func() time.Time
}

// WithBoltNoSync disables fsync on commit. Intended for tests.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(o *boltOptions) {
		o.noSync = noSync
	}
}

// WithBoltTimeout sets how long Open waits for the file lock.
func WithBoltTimeout(d time.Duration) BoltOption {
	return func(o *boltOptions) {
		o.timeout = d
	}
}

// WithBoltNow overrides the clock used for StoredAt.
func WithBoltNow(now func() time.Time) BoltOption {
	return func(o *boltOptions) {
		o.now = now
	}
}

// OpenBolt opens (creating if needed) a bbolt-backed store at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	o := boltOptions{timeout: time.Second, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: o.timeout, NoSync: o.noSync})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketValues)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating values bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxValueSize))
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Bolt{db: db, now: o.now, encoder: enc, decoder: dec}, nil
}

// Close releases the database and codec resources.
func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.encoder.Close()
	b.decoder.Close()
	return b.db.Close()
}

// Write stores the value, compressing it above CompressionThreshold when
// the compressed form is smaller.
func (b *Bolt) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(contextReader{ctx: ctx, r: r}, MaxValueSize+1))
	if err != nil {
		return fmt.Errorf("reading value: %w", err)
	}
	if len(data) > MaxValueSize {
		return ErrValueTooLarge
	}

	header := &ValueHeader{
		ContentEncoding: EncodingIdentity,
		ContentLength:   int64(len(data)),
		StoredAt:        b.now().UTC().Format(time.RFC3339Nano),
		ContentHash:     blobcache.Sum(data).String(),
	}
	body := data
	if len(data) >= CompressionThreshold {
		if compressed := b.encoder.EncodeAll(data, nil); len(compressed) < len(data) {
			header.ContentEncoding = EncodingZstd
			body = compressed
		}
	}

	var buf bytes.Buffer
	if err := WriteFramed(&buf, header, bytes.NewReader(body)); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Put([]byte(key), buf.Bytes())
	})
}

// Read returns the decoded value.
func (b *Bolt) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	raw, err := b.get(key)
	if err != nil {
		return nil, err
	}
	data, _, err := b.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the value. Missing keys are not an error.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
}

// Exists checks if a key exists.
func (b *Bolt) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	b.mu.RLock()
	defer b.mu.RUnlock()
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketValues).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// List returns all keys with the given prefix in key order.
func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.Walk(ctx, prefix, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// Walk visits keys in batches so that fn runs outside any bbolt
// transaction and may itself use the backend.
func (b *Bolt) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	p := []byte(prefix)
	seek := p
	skipFirst := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := make([]string, 0, walkBatchSize)
		b.mu.RLock()
		err := b.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(bucketValues).Cursor()
			k, _ := c.Seek(seek)
			if skipFirst && k != nil && bytes.Equal(k, seek) {
				k, _ = c.Next()
			}
			for ; k != nil && bytes.HasPrefix(k, p) && len(batch) < walkBatchSize; k, _ = c.Next() {
				batch = append(batch, string(k))
			}
			return nil
		})
		b.mu.RUnlock()
		if err != nil {
			return err
		}

		for _, key := range batch {
			if err := fn(key); err != nil {
				return err
			}
		}
		if len(batch) < walkBatchSize {
			return nil
		}
		seek = []byte(batch[len(batch)-1])
		skipFirst = true
	}
}

// Size returns the decoded length recorded in the value header.
func (b *Bolt) Size(ctx context.Context, key string) (int64, error) {
	raw, err := b.get(key)
	if err != nil {
		return 0, err
	}
	header, _, err := ReadFramed(bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("reading header of %s: %w", key, err)
	}
	return header.ContentLength, nil
}

func (b *Bolt) get(key string) ([]byte, error) {
	var raw []byte
	b.mu.RLock()
	defer b.mu.RUnlock()
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketValues).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		raw = bytes.Clone(v)
		return nil
	})
	return raw, err
}

func (b *Bolt) decode(raw []byte) ([]byte, *ValueHeader, error) {
	header, body, err := ReadFramed(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, err
	}

	var data []byte
	switch header.ContentEncoding {
	case EncodingIdentity:
		data = payload
	case EncodingZstd:
		if header.ContentLength > MaxValueSize {
			return nil, nil, ErrValueTooLarge
		}
		data, err = b.decoder.DecodeAll(payload, make([]byte, 0, header.ContentLength))
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported encoding %q", header.ContentEncoding)
	}

	if int64(len(data)) != header.ContentLength {
		return nil, nil, ErrCorrupted
	}
	if header.ContentHash != "" && blobcache.Sum(data).String() != header.ContentHash {
		return nil, nil, ErrCorrupted
	}
	return data, header, nil
}

var (
	_ Backend          = (*Bolt)(nil)
	_ WalkBackend      = (*Bolt)(nil)
	_ SizeAwareBackend = (*Bolt)(nil)
)
