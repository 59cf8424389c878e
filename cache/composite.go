package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
	"github.com/wolfeidau/blobcache/download"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/telemetry"
	"github.com/wolfeidau/blobcache/upload"
)

// Config configures a CompositeCache.
type Config struct {
	// Root holds the staging, download and tmp directories.
	Root string

	// Size is the total byte budget shared by both tiers. Zero disables
	// both.
	Size int64

	// StagingSplit is the percentage of Size given to staging (0-100).
	// Zero disables staging.
	StagingSplit int

	ReadTimeout time.Duration
	RetryAfter  time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// CompositeCache combines the staging and download tiers. Lookups consult
// staging first; an identifier is held by at most one tier.
type CompositeCache struct {
	staging  *StagingCache
	download *DownloadCache
	spool    *store.CAFS
	logger   *slog.Logger
}

// New creates the tiers under cfg.Root. Uploads are scheduled on sched.
func New(cfg Config, be backend.BlobBackend, sched *upload.Scheduler) (*CompositeCache, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Size < 0 {
		cfg.Size = 0
	}
	split := min(max(cfg.StagingSplit, 0), 100)

	stagingBudget := cfg.Size * int64(split) / 100
	downloadBudget := cfg.Size - stagingBudget

	tmp := filepath.Join(cfg.Root, "tmp")
	stagingStore, err := store.NewCAFS(filepath.Join(cfg.Root, "staging"), store.WithTempDir(tmp))
	if err != nil {
		return nil, fmt.Errorf("opening staging store: %w", err)
	}
	downloadStore, err := store.NewCAFS(filepath.Join(cfg.Root, "download"), store.WithTempDir(tmp))
	if err != nil {
		return nil, fmt.Errorf("opening download store: %w", err)
	}

	dl := NewDownloadCache(downloadStore, be, DownloadConfig{
		Budget:      downloadBudget,
		ReadTimeout: cfg.ReadTimeout,
		Logger:      cfg.Logger.With("tier", string(telemetry.TierDownload)),
	})
	st := NewStagingCache(stagingStore, dl, be, sched, StagingConfig{
		Budget:     stagingBudget,
		RetryAfter: cfg.RetryAfter,
		Logger:     cfg.Logger.With("tier", string(telemetry.TierStaging)),
		Now:        cfg.Now,
	})

	return &CompositeCache{
		staging:  st,
		download: dl,
		spool:    stagingStore,
		logger:   cfg.Logger,
	}, nil
}

// Staging returns the staging tier.
func (c *CompositeCache) Staging() *StagingCache {
	return c.staging
}

// Download returns the download tier.
func (c *CompositeCache) Download() *DownloadCache {
	return c.download
}

// Recover rebuilds both tiers from disk. The download tier is indexed
// first so that staged files it already covers are dropped.
func (c *CompositeCache) Recover(ctx context.Context) error {
	if _, err := c.download.Recover(ctx); err != nil {
		return err
	}
	if _, err := c.staging.Recover(ctx); err != nil {
		return err
	}
	return nil
}

// Spool copies r into a temp file beside both tiers while identifying it.
func (c *CompositeCache) Spool(ctx context.Context, r io.Reader) (*store.Spooled, error) {
	return c.spool.Spool(ctx, r)
}

// Stage admits a spooled record to the staging tier.
func (c *CompositeCache) Stage(ctx context.Context, sp *store.Spooled) (*StageResult, error) {
	return c.staging.Stage(ctx, sp)
}

// PlaceUploaded hands a spooled record that is already durable to the
// download tier, or discards it when that tier refuses it.
func (c *CompositeCache) PlaceUploaded(ctx context.Context, sp *store.Spooled) bool {
	if c.staging.Has(sp.ID) || !c.download.Adopt(ctx, sp.ID, sp.Path, sp.Size) {
		sp.Discard()
		return false
	}
	return true
}

// Lookup reports which local tier holds id and its size.
func (c *CompositeCache) Lookup(id blobcache.Identifier) (telemetry.Tier, int64, bool) {
	if e, ok := c.staging.Lookup(id); ok {
		return telemetry.TierStaging, e.Size, true
	}
	if size, ok := c.download.Lookup(id); ok {
		return telemetry.TierDownload, size, true
	}
	return telemetry.TierNone, 0, false
}

// Open opens the local copy of id from whichever tier holds it.
func (c *CompositeCache) Open(id blobcache.Identifier) (io.ReadCloser, telemetry.Tier, error) {
	rc, _, err := c.staging.Open(id)
	if err == nil {
		return rc, telemetry.TierStaging, nil
	}
	rc, _, err = c.download.Open(id)
	if err == nil {
		return rc, telemetry.TierDownload, nil
	}
	return nil, telemetry.TierNone, err
}

// Load reads id through from the backend into the download tier.
func (c *CompositeCache) Load(ctx context.Context, id blobcache.Identifier) (*download.Result, error) {
	return c.download.Load(ctx, id)
}

// Remove drops id from both tiers, cancelling and awaiting any upload.
func (c *CompositeCache) Remove(ctx context.Context, id blobcache.Identifier) error {
	if err := c.staging.Remove(ctx, id); err != nil {
		return fmt.Errorf("removing staged record: %w", err)
	}
	if err := c.download.Remove(ctx, id); err != nil {
		return fmt.Errorf("removing downloaded record: %w", err)
	}
	return nil
}

// EvictUploaded implements the gc target.
func (c *CompositeCache) EvictUploaded(ctx context.Context) (int, int64, error) {
	return c.staging.EvictUploaded(ctx)
}

// RetryFailed implements the gc target.
func (c *CompositeCache) RetryFailed(ctx context.Context) int {
	return c.staging.RetryFailed(ctx)
}

// AwaitUpload blocks until the staged record id is durable.
func (c *CompositeCache) AwaitUpload(ctx context.Context, id blobcache.Identifier) error {
	return c.staging.AwaitUpload(ctx, id)
}

// StagedIDs returns the staged identifiers, oldest first.
func (c *CompositeCache) StagedIDs() []blobcache.Identifier {
	return c.staging.StagedIDs()
}

// Stats returns usage for the staging and download tiers.
func (c *CompositeCache) Stats() (staging, download Stats) {
	return c.staging.Stats(), c.download.Stats()
}
