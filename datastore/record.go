package datastore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/wolfeidau/blobcache"
)

// Record is an immutable handle to stored content.
type Record struct {
	ID   blobcache.Identifier
	Size int64

	// LastModified is when the record was staged, or zero when unknown.
	LastModified time.Time

	inline []byte
	ds     *DataStore
}

// Inline reports whether the record content is held in memory. Inline
// records are persisted in the backend's inline area and reloaded by Open.
func (r *Record) Inline() bool {
	return r.inline != nil
}

// Open returns a fresh stream of the record content. The identifier is
// resolved again on each call, so a record that has moved tiers since it
// was returned still opens.
func (r *Record) Open(ctx context.Context) (io.ReadCloser, error) {
	if r.inline != nil {
		return io.NopCloser(bytes.NewReader(r.inline)), nil
	}
	return r.ds.open(ctx, r.ID)
}

// Reference returns the backend reference token, or "" for inline records.
func (r *Record) Reference(ctx context.Context) (string, error) {
	if r.inline != nil {
		return "", nil
	}
	return r.ds.Reference(ctx, r.ID)
}
