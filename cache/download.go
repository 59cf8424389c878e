package cache

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
	"github.com/wolfeidau/blobcache/download"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/telemetry"
)

// DownloadConfig configures a DownloadCache.
type DownloadConfig struct {
	// Budget is the byte capacity. Zero disables the cache.
	Budget int64

	// ReadTimeout bounds one backend read-through. Zero means no timeout.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// DownloadCache holds local copies of records that are durable in the
// backend. It is a byte-bounded LRU and never writes to the backend.
//
// Every fetch in flight is registered with a generation that Remove of the
// same identifier bumps. A population that started before a removal is
// not admitted, so a read racing a delete cannot resurrect the record
// locally.
type DownloadCache struct {
	store       *store.CAFS
	backend     backend.BlobBackend
	fetcher     *download.Downloader
	budget      int64
	readTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	lru      *simplelru.LRU[blobcache.Identifier, int64]
	bytes    int64
	inflight map[blobcache.Identifier]*inflightFetch
}

type inflightFetch struct {
	refs int
	gen  uint64
}

// NewDownloadCache creates a download cache over st. Call Recover to index
// files already on disk.
func NewDownloadCache(st *store.CAFS, be backend.BlobBackend, cfg DownloadConfig) *DownloadCache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Budget < 0 {
		cfg.Budget = 0
	}

	// Capacity is enforced in bytes below; the entry limit is effectively unbounded.
	lru, _ := simplelru.NewLRU[blobcache.Identifier, int64](math.MaxInt, nil)

	return &DownloadCache{
		store:       st,
		backend:     be,
		fetcher:     download.New(download.WithLogger(cfg.Logger)),
		budget:      cfg.Budget,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
		lru:         lru,
		inflight:    make(map[blobcache.Identifier]*inflightFetch),
	}
}

// Enabled reports whether the cache has a non-zero budget.
func (c *DownloadCache) Enabled() bool {
	return c.budget > 0
}

// Budget returns the byte capacity.
func (c *DownloadCache) Budget() int64 {
	return c.budget
}

// Has reports whether id is cached without touching its recency.
func (c *DownloadCache) Has(id blobcache.Identifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(id)
}

// Lookup returns the size of id and marks it recently used.
func (c *DownloadCache) Lookup(id blobcache.Identifier) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(id)
}

// Open opens the cached copy of id and marks it recently used.
func (c *DownloadCache) Open(id blobcache.Identifier) (io.ReadCloser, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size, ok := c.lru.Get(id)
	if !ok {
		return nil, 0, backend.ErrNotFound
	}
	f, err := c.store.Open(id)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	_ = os.Chtimes(c.store.Path(id), now, now)

	return blobcache.VerifyReadCloser(f, id), size, nil
}

// Adopt moves the verified file at src into the cache under id, evicting
// least recently used entries to make room. It returns false, leaving src
// in place, when the cache is disabled or the file cannot fit.
func (c *DownloadCache) Adopt(ctx context.Context, id blobcache.Identifier, src string, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitLocked(ctx, id, src, size)
}

// Load reads id through from the backend. Concurrent loads of the same
// identifier share one fetch. The content is verified against id; the
// result reports whether it was kept locally.
//
// Records the cache cannot hold are only sized, not read. Their content is
// verified when it is streamed from the backend.
//
// backend.ErrNotFound is returned when the backend does not hold id.
func (c *DownloadCache) Load(ctx context.Context, id blobcache.Identifier) (*download.Result, error) {
	res, _, err := c.fetcher.Do(ctx, id, func(ctx context.Context) (*download.Result, error) {
		return c.fetch(ctx, id)
	})
	return res, err
}

func (c *DownloadCache) fetch(ctx context.Context, id blobcache.Identifier) (*download.Result, error) {
	gen := c.beginFetch(id)
	defer c.endFetch(id)

	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}

	size, err := c.backend.Size(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Enabled() || size > c.budget {
		return &download.Result{ID: id, Size: size}, nil
	}

	rc, err := c.backend.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	sp, err := c.store.Spool(ctx, blobcache.NewVerifyingReader(rc, id))
	if err != nil {
		return nil, fmt.Errorf("reading %s from backend: %w", id.Short(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[id].gen != gen {
		c.logger.Debug("discarding fetch raced by removal", "id", id.Short())
		sp.Discard()
		return &download.Result{ID: id, Size: sp.Size}, nil
	}
	if !c.admitLocked(ctx, id, sp.Path, sp.Size) {
		sp.Discard()
		return &download.Result{ID: id, Size: sp.Size}, nil
	}
	return &download.Result{ID: id, Size: sp.Size, Cached: true}, nil
}

// beginFetch registers a fetch of id and returns its generation.
func (c *DownloadCache) beginFetch(id blobcache.Identifier) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.inflight[id]
	if !ok {
		f = &inflightFetch{}
		c.inflight[id] = f
	}
	f.refs++
	return f.gen
}

func (c *DownloadCache) endFetch(id blobcache.Identifier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.inflight[id]
	f.refs--
	if f.refs == 0 {
		delete(c.inflight, id)
	}
}

func (c *DownloadCache) admitLocked(ctx context.Context, id blobcache.Identifier, src string, size int64) bool {
	if size > c.budget {
		return false
	}
	if c.lru.Contains(id) {
		_ = os.Remove(src)
		c.lru.Get(id)
		return true
	}

	for c.bytes+size > c.budget {
		oldest, sz, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.bytes -= sz
		if err := c.store.Delete(oldest); err != nil {
			c.logger.Warn("removing evicted download", "id", oldest.Short(), "error", err)
		}
		telemetry.RecordEviction(ctx, telemetry.TierDownload, "lru", sz)
	}

	res, err := c.store.Adopt(id, src)
	if err != nil {
		c.logger.Warn("admitting download", "id", id.Short(), "error", err)
		return false
	}
	c.lru.Add(id, res.Size)
	c.bytes += res.Size
	c.updateGaugesLocked(ctx)
	return true
}

// Remove drops id from the cache and invalidates populations that are
// still in flight.
func (c *DownloadCache) Remove(ctx context.Context, id blobcache.Identifier) error {
	c.mu.Lock()
	if f, ok := c.inflight[id]; ok {
		f.gen++
	}
	size, ok := c.lru.Peek(id)
	if ok {
		c.lru.Remove(id)
		c.bytes -= size
	}
	err := c.store.Delete(id)
	c.updateGaugesLocked(ctx)
	c.mu.Unlock()

	c.fetcher.Forget(id)

	if ok {
		telemetry.RecordEviction(ctx, telemetry.TierDownload, "deleted", size)
	}
	return err
}

// Stats returns the current usage.
func (c *DownloadCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Bytes: c.bytes, Entries: c.lru.Len(), Capacity: c.budget}
}

// Recover indexes files left by an earlier process, oldest modification
// time first, and trims the cache to its budget.
func (c *DownloadCache) Recover(ctx context.Context) (int, error) {
	type found struct {
		id      blobcache.Identifier
		size    int64
		modTime time.Time
	}
	var files []found
	err := c.store.Walk(ctx, func(id blobcache.Identifier, info fs.FileInfo) error {
		files = append(files, found{id: id, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning download cache: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range files {
		if c.lru.Contains(f.id) {
			continue
		}
		c.lru.Add(f.id, f.size)
		c.bytes += f.size
	}
	for c.bytes > c.budget {
		oldest, sz, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.bytes -= sz
		if err := c.store.Delete(oldest); err != nil {
			c.logger.Warn("trimming download cache", "id", oldest.Short(), "error", err)
		}
	}
	c.updateGaugesLocked(ctx)

	n := c.lru.Len()
	if n > 0 {
		c.logger.Info("recovered download cache", "entries", n, "bytes", c.bytes)
	}
	return n, nil
}

func (c *DownloadCache) updateGaugesLocked(ctx context.Context) {
	telemetry.UpdateCacheState(ctx, telemetry.TierDownload, c.bytes, c.lru.Len(), c.budget)
}
