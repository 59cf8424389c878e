// Package download provides singleflight-based deduplication for concurrent
// backend read-throughs. When several readers miss the local tiers for the
// same identifier, only one backend fetch is performed.
package download

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/telemetry"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a fetch.
type Result struct {
	ID   blobcache.Identifier
	Size int64

	// Cached is false when the content was fetched but not kept locally,
	// for example because it is larger than the cache budget.
	Cached bool
}

// FetchFunc fetches from the backend, verifies integrity, and stores the
// content locally. The context passed to FetchFunc is detached from any
// single caller so that one caller timing out does not cancel the fetch for
// other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same identifier using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for id.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, id blobcache.Identifier, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(id.String(), func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			d.forgetOnError(id, res.Err)
			telemetry.RecordFetch(ctx, outcome(res.Err), 0, res.Shared)
			return nil, res.Shared, res.Err
		}
		r := res.Val.(*Result)
		telemetry.RecordFetch(ctx, "success", r.Size, res.Shared)
		return r, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops any in-flight fetch for id so that the next caller starts a
// fresh one instead of joining it.
func (d *Downloader) Forget(id blobcache.Identifier) {
	d.group.Forget(id.String())
}

// forgetOnError forgets id after a real fetch failure, leaving caller
// timeouts alone.
func (d *Downloader) forgetOnError(id blobcache.Identifier, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.logger.Debug("fetch failed", "id", id.Short(), "error", err)
	d.Forget(id)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, blobcache.ErrIntegrity):
		return "integrity"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
