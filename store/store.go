// Package store provides the local content-addressable directory used by
// the staging and download cache tiers.
package store

import (
	"os"

	"github.com/wolfeidau/blobcache"
)

// PutResult describes an Adopt.
type PutResult struct {
	ID     blobcache.Identifier
	Size   int64
	Exists bool // true if the content already existed
}

// Spooled is content that has been written to a temp file and identified,
// but not yet placed in a store.
type Spooled struct {
	ID   blobcache.Identifier
	Size int64
	Path string
}

// Discard removes the temp file. Safe to call after the file was adopted.
func (s *Spooled) Discard() {
	if s == nil || s.Path == "" {
		return
	}
	_ = os.Remove(s.Path)
}
