package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/telemetry"
	"github.com/wolfeidau/blobcache/upload"
)

// StagingConfig configures a StagingCache.
type StagingConfig struct {
	// Budget is the byte capacity. Admission never fails for lack of room:
	// when no uploaded entry can be evicted the tier grows past Budget.
	Budget int64

	// RetryAfter is the delay before RetryFailed resubmits a failed upload.
	RetryAfter time.Duration

	Logger *slog.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// StagingCache holds records that are not yet confirmed durable. Each
// staged record is uploaded by exactly one scheduler task at a time, and
// the task's completion callback is the only writer of the uploaded and
// failed states.
//
// Lock order is staging then download then scheduler. Upload callbacks take
// the staging lock and are never invoked with the scheduler lock held.
type StagingCache struct {
	store      *store.CAFS
	download   *DownloadCache
	backend    backend.BlobBackend
	sched      *upload.Scheduler
	budget     int64
	retryAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[blobcache.Identifier]*stagedEntry
	bytes   int64
}

type stagedEntry struct {
	Entry

	// task is the upload that owns this entry's state. Callbacks from any
	// other task are ignored.
	task *upload.Task
}

// StageResult describes the outcome of Stage.
type StageResult struct {
	Entry Entry

	// Tier is TierStaging, or TierDownload when the record was already
	// cached as durable and nothing was staged.
	Tier telemetry.Tier

	// Staged is true when a new staging entry was created.
	Staged bool

	// Task is the upload owning the entry, if one is running.
	Task *upload.Task
}

// NewStagingCache creates a staging cache over st. Call Recover to pick up
// files left by an earlier process.
func NewStagingCache(st *store.CAFS, dl *DownloadCache, be backend.BlobBackend, sched *upload.Scheduler, cfg StagingConfig) *StagingCache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Budget < 0 {
		cfg.Budget = 0
	}

	return &StagingCache{
		store:      st,
		download:   dl,
		backend:    be,
		sched:      sched,
		budget:     cfg.Budget,
		retryAfter: cfg.RetryAfter,
		logger:     cfg.Logger,
		now:        cfg.Now,
		entries:    make(map[blobcache.Identifier]*stagedEntry),
	}
}

// Enabled reports whether the cache has a non-zero budget.
func (c *StagingCache) Enabled() bool {
	return c.budget > 0
}

// Budget returns the byte capacity.
func (c *StagingCache) Budget() int64 {
	return c.budget
}

// Stage takes ownership of the spooled file and schedules its upload.
//
// If id is already staged the spool is discarded and the existing entry is
// returned; a failed or staged entry with no upload of its own is
// resubmitted. If the download cache already holds id, nothing is staged.
// Otherwise uploaded entries are evicted least recently used first until
// the record fits, and the record is admitted even if the tier stays over
// budget.
func (c *StagingCache) Stage(ctx context.Context, sp *store.Spooled) (*StageResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[sp.ID]; ok {
		sp.Discard()
		e.LastAccess = c.now()
		if e.task == nil && (e.State == StateFailed || e.State == StateStaged) {
			if _, err := c.submitLocked(e); err != nil {
				c.logger.Warn("resubmitting upload", "id", sp.ID.Short(), "error", err)
			}
		}
		return &StageResult{Entry: e.Entry, Tier: telemetry.TierStaging, Task: e.task}, nil
	}

	if size, ok := c.download.Lookup(sp.ID); ok {
		sp.Discard()
		return &StageResult{Entry: Entry{ID: sp.ID, Size: size, State: StateUploaded}, Tier: telemetry.TierDownload}, nil
	}

	c.makeRoomLocked(ctx, sp.Size)

	res, err := c.store.Adopt(sp.ID, sp.Path)
	if err != nil {
		sp.Discard()
		return nil, fmt.Errorf("staging record: %w", err)
	}

	now := c.now()
	e := &stagedEntry{Entry: Entry{
		ID:         sp.ID,
		Size:       res.Size,
		State:      StateStaged,
		StagedAt:   now,
		LastAccess: now,
	}}
	c.entries[e.ID] = e
	c.bytes += e.Size

	if _, err := c.submitLocked(e); err != nil {
		c.logger.Warn("scheduling upload", "id", e.ID.Short(), "error", err)
	}
	if c.bytes > c.budget {
		c.logger.Debug("staging over budget", "bytes", c.bytes, "budget", c.budget)
		c.resubmitIdleLocked()
	}
	c.updateGaugesLocked(ctx)

	return &StageResult{Entry: e.Entry, Tier: telemetry.TierStaging, Staged: true, Task: e.task}, nil
}

// submitLocked starts an upload for e. If a task for the identifier is
// still running from an earlier entry, that task is returned and e is left
// staged without an owner.
func (c *StagingCache) submitLocked(e *stagedEntry) (*upload.Task, error) {
	id := e.ID

	task, joined, err := c.sched.Submit(upload.Job{
		ID:   id,
		Size: e.Size,
		Body: func(ctx context.Context) error {
			return c.upload(ctx, id)
		},
		Done: func(task *upload.Task, err error) {
			c.uploadDone(task, err)
		},
	})
	if err != nil {
		return nil, err
	}
	if joined {
		return task, nil
	}

	e.task = task
	e.State = StateUploading
	return task, nil
}

// resubmitIdleLocked starts uploads for the oldest entries that have none
// running so that they become evictable.
func (c *StagingCache) resubmitIdleLocked() {
	for _, e := range c.sortedLocked(func(e *stagedEntry) bool {
		return e.task == nil && (e.State == StateStaged || e.State == StateFailed)
	}, byStagedAt) {
		if c.sched.Pending(e.ID) {
			continue
		}
		if _, err := c.submitLocked(e); err != nil {
			return
		}
	}
}

// upload performs one upload attempt.
func (c *StagingCache) upload(ctx context.Context, id blobcache.Identifier) error {
	f, err := c.store.Open(id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return upload.Permanent(fmt.Errorf("staged file for %s is gone: %w", id.Short(), err))
		}
		return err
	}
	defer func() { _ = f.Close() }()

	trap := &integrityTrap{r: blobcache.NewVerifyingReader(f, id)}
	err = c.backend.Write(ctx, id, trap)
	if trap.err != nil {
		if err == nil {
			// The backend accepted corrupt content; take it back out.
			if derr := c.backend.Delete(ctx, id); derr != nil {
				c.logger.Error("removing corrupt upload", "id", id.Short(), "error", derr)
			}
		}
		return trap.err
	}
	if err != nil {
		return fmt.Errorf("writing %s to backend: %w", id.Short(), err)
	}
	return nil
}

// uploadDone is the completion callback of every staging upload task.
func (c *StagingCache) uploadDone(task *upload.Task, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := task.ID
	e, ok := c.entries[id]
	if !ok || e.task != task {
		return
	}
	e.task = nil

	ctx := context.Background()
	switch {
	case err == nil:
		e.State = StateUploaded
		e.LastError = ""
	case errors.Is(err, blobcache.ErrIntegrity):
		c.logger.Error("dropping corrupt staged record", "id", id.Short(), "error", err)
		delete(c.entries, id)
		c.bytes -= e.Size
		if derr := c.store.Delete(id); derr != nil {
			c.logger.Error("removing corrupt staged file", "id", id.Short(), "error", derr)
		}
		telemetry.RecordEviction(ctx, telemetry.TierStaging, "integrity", e.Size)
	default:
		e.State = StateFailed
		e.Failures++
		e.FailedAt = c.now()
		e.LastError = err.Error()
	}
	c.updateGaugesLocked(ctx)
}

// Lookup returns the entry for id and marks it recently used.
func (c *StagingCache) Lookup(id blobcache.Identifier) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	e.LastAccess = c.now()
	return e.Entry, true
}

// Has reports whether id is staged.
func (c *StagingCache) Has(id blobcache.Identifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Path returns where the staged file for id lives.
func (c *StagingCache) Path(id blobcache.Identifier) string {
	return c.store.Path(id)
}

// Entry returns a snapshot of the entry for id.
func (c *StagingCache) Entry(id blobcache.Identifier) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Open opens the staged file for id. The stream fails with
// blobcache.ErrIntegrity if the file no longer matches its identifier.
func (c *StagingCache) Open(id blobcache.Identifier) (io.ReadCloser, Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, Entry{}, backend.ErrNotFound
	}
	f, err := c.store.Open(id)
	if err != nil {
		return nil, Entry{}, err
	}
	e.LastAccess = c.now()
	return blobcache.VerifyReadCloser(f, id), e.Entry, nil
}

// AwaitUpload blocks until the staged record id is durable. A failed or
// unowned entry is resubmitted first. It returns nil when id is not staged.
func (c *StagingCache) AwaitUpload(ctx context.Context, id blobcache.Identifier) error {
	var last *upload.Task
	var lastOwned bool

	for {
		c.mu.Lock()
		e, ok := c.entries[id]
		if !ok {
			c.mu.Unlock()
			if last != nil {
				return last.Err()
			}
			return nil
		}

		var task *upload.Task
		switch {
		case e.State == StateUploaded:
			c.mu.Unlock()
			return nil
		case e.task != nil:
			task = e.task
		case e.State == StateFailed && lastOwned:
			c.mu.Unlock()
			return last.Err()
		default:
			var err error
			if task, err = c.submitLocked(e); err != nil {
				c.mu.Unlock()
				return fmt.Errorf("scheduling upload: %w", err)
			}
		}
		owned := task == e.task
		c.mu.Unlock()

		if err := task.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		last, lastOwned = task, owned
	}
}

// Remove deletes id from the tier. Any upload for id is cancelled and
// waited for, so no upload of id is in flight when Remove returns nil.
func (c *StagingCache) Remove(ctx context.Context, id blobcache.Identifier) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
		c.bytes -= e.Size
	}
	err := c.store.Delete(id)
	c.updateGaugesLocked(ctx)
	c.mu.Unlock()

	if ok {
		telemetry.RecordEviction(ctx, telemetry.TierStaging, "deleted", e.Size)
	}

	if task := c.sched.Cancel(id); task != nil {
		if werr := task.Wait(ctx); werr != nil && ctx.Err() != nil {
			return fmt.Errorf("waiting for cancelled upload: %w", ctx.Err())
		}
	}
	return err
}

// EvictUploaded moves every uploaded entry to the download cache, or
// deletes its file when the download cache refuses it.
func (c *StagingCache) EvictUploaded(ctx context.Context) (int, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		evicted int
		freed   int64
		errs    []error
	)
	for _, e := range c.sortedLocked(func(e *stagedEntry) bool {
		return e.State == StateUploaded
	}, byLastAccess) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.evictLocked(ctx, e, "uploaded"); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted++
		freed += e.Size
	}
	c.updateGaugesLocked(ctx)
	return evicted, freed, errors.Join(errs...)
}

// RetryFailed resubmits failed entries whose retry delay has elapsed and
// staged entries that have no upload running.
func (c *StagingCache) RetryFailed(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, e := range c.sortedLocked(func(e *stagedEntry) bool {
		switch {
		case e.task != nil:
			return false
		case e.State == StateFailed:
			return now.Sub(e.FailedAt) >= c.retryAfter
		default:
			return e.State == StateStaged
		}
	}, byStagedAt) {
		if c.sched.Pending(e.ID) {
			continue
		}
		if _, err := c.submitLocked(e); err != nil {
			c.logger.Warn("resubmitting upload", "id", e.ID.Short(), "error", err)
			break
		}
		n++
	}
	if n > 0 {
		c.logger.Info("resubmitted uploads", "count", n)
	}
	c.updateGaugesLocked(ctx)
	return n
}

// RemoveResult summarises one RemoveJob pass.
type RemoveResult struct {
	Evicted        int
	BytesReclaimed int64
	Retried        int
	Err            error
}

// RemoveJob runs EvictUploaded then RetryFailed. It is idempotent.
func (c *StagingCache) RemoveJob(ctx context.Context) RemoveResult {
	evicted, freed, err := c.EvictUploaded(ctx)
	if err != nil {
		c.logger.Warn("remove job", "error", err)
	}
	return RemoveResult{
		Evicted:        evicted,
		BytesReclaimed: freed,
		Retried:        c.RetryFailed(ctx),
		Err:            err,
	}
}

// StagedIDs returns the staged identifiers, oldest first.
func (c *StagingCache) StagedIDs() []blobcache.Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()

	sorted := c.sortedLocked(func(*stagedEntry) bool { return true }, byStagedAt)
	ids := make([]blobcache.Identifier, len(sorted))
	for i, e := range sorted {
		ids[i] = e.ID
	}
	return ids
}

// Stats returns the current usage.
func (c *StagingCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Bytes: c.bytes, Entries: len(c.entries), Capacity: c.budget}
}

// Recover indexes files left by an earlier process and queues their
// uploads oldest first. Files the download cache already holds are
// redundant and removed, as are files whose content no longer hashes to
// their name.
func (c *StagingCache) Recover(ctx context.Context) (int, error) {
	var found []*stagedEntry
	err := c.store.Walk(ctx, func(id blobcache.Identifier, info fs.FileInfo) error {
		if err := c.store.Verify(id); err != nil {
			if !errors.Is(err, blobcache.ErrIntegrity) {
				return err
			}
			c.logger.Error("dropping corrupt staged record", "id", id.Short(), "error", err)
			if err := c.store.Delete(id); err != nil {
				c.logger.Warn("removing corrupt staged file", "id", id.Short(), "error", err)
			}
			telemetry.RecordEviction(ctx, telemetry.TierStaging, "integrity", info.Size())
			return nil
		}
		found = append(found, &stagedEntry{Entry: Entry{
			ID:         id,
			Size:       info.Size(),
			State:      StateStaged,
			StagedAt:   info.ModTime(),
			LastAccess: info.ModTime(),
		}})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning staging: %w", err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].StagedAt.Before(found[j].StagedAt) })

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range found {
		if _, ok := c.entries[e.ID]; ok {
			continue
		}
		if c.download.Has(e.ID) {
			if err := c.store.Delete(e.ID); err != nil {
				c.logger.Warn("removing redundant staged file", "id", e.ID.Short(), "error", err)
			}
			continue
		}
		c.entries[e.ID] = e
		c.bytes += e.Size
		n++
	}
	for _, e := range found {
		if c.entries[e.ID] != e {
			continue
		}
		if _, err := c.submitLocked(e); err != nil {
			c.logger.Warn("requeueing recovered upload", "id", e.ID.Short(), "error", err)
		}
	}
	c.updateGaugesLocked(ctx)

	if n > 0 {
		c.logger.Info("recovered staged records", "entries", n, "bytes", c.bytes)
	}
	return n, nil
}

// makeRoomLocked evicts uploaded entries, least recently used first, until
// size more bytes fit or nothing evictable is left.
func (c *StagingCache) makeRoomLocked(ctx context.Context, size int64) {
	if c.bytes+size <= c.budget {
		return
	}
	for _, e := range c.sortedLocked(func(e *stagedEntry) bool {
		return e.State == StateUploaded
	}, byLastAccess) {
		if c.bytes+size <= c.budget {
			return
		}
		if err := c.evictLocked(ctx, e, "admission"); err != nil {
			c.logger.Warn("evicting uploaded record", "id", e.ID.Short(), "error", err)
		}
	}
}

// evictLocked hands an uploaded entry to the download cache, or deletes
// its file when the download cache refuses it. The rename and the index
// removal happen under the staging lock.
func (c *StagingCache) evictLocked(ctx context.Context, e *stagedEntry, reason string) error {
	if !c.download.Adopt(ctx, e.ID, c.store.Path(e.ID), e.Size) {
		if err := c.store.Delete(e.ID); err != nil {
			return err
		}
	}
	delete(c.entries, e.ID)
	c.bytes -= e.Size
	telemetry.RecordEviction(ctx, telemetry.TierStaging, reason, e.Size)
	return nil
}

func (c *StagingCache) updateGaugesLocked(ctx context.Context) {
	telemetry.UpdateCacheState(ctx, telemetry.TierStaging, c.bytes, len(c.entries), c.budget)
}

func byStagedAt(a, b *stagedEntry) bool {
	return a.StagedAt.Before(b.StagedAt)
}

func byLastAccess(a, b *stagedEntry) bool {
	return a.LastAccess.Before(b.LastAccess)
}

// sortedLocked returns the entries matching keep ordered by less.
func (c *StagingCache) sortedLocked(keep func(*stagedEntry) bool, less func(a, b *stagedEntry) bool) []*stagedEntry {
	var out []*stagedEntry
	for _, e := range c.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// integrityTrap remembers a verification failure even if the consumer of
// the stream discards it.
type integrityTrap struct {
	r   io.Reader
	err error
}

func (t *integrityTrap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if errors.Is(err, blobcache.ErrIntegrity) {
		t.err = err
	}
	return n, err
}
