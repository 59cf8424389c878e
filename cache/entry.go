// Package cache implements the two local tiers in front of the blob backend:
// a staging cache holding records that are not yet durable, and a download
// cache holding copies of durable records. CompositeCache splits one byte
// budget between them.
package cache

import (
	"time"

	"github.com/wolfeidau/blobcache"
)

// State is the upload lifecycle of a staged record.
type State int

const (
	StateStaged State = iota
	StateUploading
	StateUploaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStaged:
		return "staged"
	case StateUploading:
		return "uploading"
	case StateUploaded:
		return "uploaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of a staged record.
type Entry struct {
	ID         blobcache.Identifier
	Size       int64
	State      State
	StagedAt   time.Time
	LastAccess time.Time

	// Failures counts upload tasks that ended in error.
	Failures  int
	FailedAt  time.Time
	LastError string
}

// Stats summarises one tier.
type Stats struct {
	Bytes    int64
	Entries  int
	Capacity int64
}
