package datastore

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Config holds data store configuration.
type Config struct {
	// Path is the root directory for the staging and download tiers.
	Path string

	// CacheSize is the total byte budget shared by the staging and
	// download tiers. Zero disables both: every operation goes to the
	// backend.
	CacheSize int64

	// StagingSplitPercentage is the share of CacheSize reserved for staged
	// writes (0-100). Zero disables staging and every add uploads before
	// it returns.
	StagingSplitPercentage int

	// UploadConcurrency bounds concurrent backend writes.
	// Default: 10
	UploadConcurrency int

	// UploadRetries is the number of attempts after the first. Negative
	// disables retries.
	// Default: 5
	UploadRetries int

	// UploadInitialInterval and UploadMaxInterval bound the retry backoff.
	// Default: 100ms and 30s
	UploadInitialInterval time.Duration
	UploadMaxInterval     time.Duration

	// UploadTimeout limits a single upload attempt. Zero means no limit.
	UploadTimeout time.Duration

	// ReadTimeout limits a backend read-through. Zero means no limit.
	ReadTimeout time.Duration

	// RemoveInterval is how often the remove job runs. Negative disables
	// the periodic run; RemoveJob still works.
	// Default: 1 minute
	RemoveInterval time.Duration

	// RemoveStartupDelay delays the first periodic run.
	RemoveStartupDelay time.Duration

	// RetryAfter is how long a failed upload waits before the remove job
	// resubmits it.
	RetryAfter time.Duration

	// Inline decides which records bypass the cache and backend. Nil
	// disables inlining.
	Inline InlinePolicy

	// Logger for the data store
	Logger *slog.Logger

	// Meter receives remove job instruments. Optional.
	Meter metric.Meter
}

// DefaultConfig returns the default configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:                   path,
		CacheSize:              64 << 30,
		StagingSplitPercentage: 10,
		UploadConcurrency:      10,
		UploadRetries:          5,
		RemoveInterval:         time.Minute,
	}
}

// InlinePolicy decides whether a record is small enough to be carried in
// memory instead of being stored.
type InlinePolicy interface {
	// MaxInlineSize is the largest size Inline can accept. AddRecord reads
	// at most this many bytes plus one before deciding.
	MaxInlineSize() int64

	// Inline reports whether a complete record of size bytes is inlined.
	Inline(size int64) bool
}

// MinRecordLength returns a policy that inlines records shorter than n
// bytes. n <= 0 inlines nothing.
func MinRecordLength(n int64) InlinePolicy {
	return minRecordLength(n)
}

type minRecordLength int64

func (m minRecordLength) MaxInlineSize() int64 {
	return int64(m) - 1
}

func (m minRecordLength) Inline(size int64) bool {
	return size < int64(m)
}
