// Package backend provides the durable stores the cache sits in front of.
//
// Backend is a plain key/value contract; BlobBackend is the identifier level
// contract the cache consumes, implemented by Blobs on top of any Backend.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for key/value storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any previous value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WalkBackend extends Backend with streaming key enumeration.
type WalkBackend interface {
	Backend

	// Walk calls fn for every key with the given prefix. Iteration stops at
	// the first error returned by fn, which Walk returns unchanged.
	Walk(ctx context.Context, prefix string, fn func(key string) error) error
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// Walk enumerates keys under prefix, using WalkBackend when available and
// falling back to List.
func Walk(ctx context.Context, b Backend, prefix string, fn func(key string) error) error {
	if wb, ok := b.(WalkBackend); ok {
		return wb.Walk(ctx, prefix, fn)
	}
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the size of the value at key, using SizeAwareBackend when
// available and falling back to reading the value.
func Size(ctx context.Context, b Backend, key string) (int64, error) {
	if sb, ok := b.(SizeAwareBackend); ok {
		return sb.Size(ctx, key)
	}
	rc, err := b.Read(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	return io.Copy(io.Discard, rc)
}
