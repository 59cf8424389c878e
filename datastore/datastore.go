// Package datastore is the caching facade over a blob backend. New records
// are staged on local disk and uploaded in the background; reads are
// served from the staging tier, then the download tier, then the backend.
package datastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
	"github.com/wolfeidau/blobcache/cache"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/store/gc"
	"github.com/wolfeidau/blobcache/telemetry"
	"github.com/wolfeidau/blobcache/upload"
)

// ErrClosed is returned by operations on a closed DataStore.
var ErrClosed = errors.New("datastore closed")

// DataStore is the caching facade.
type DataStore struct {
	backend backend.BlobBackend
	cache   *cache.CompositeCache
	sched   *upload.Scheduler
	gc      *gc.Manager
	policy  InlinePolicy
	logger  *slog.Logger

	inlineMu sync.RWMutex
	inlined  map[blobcache.Identifier][]byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Stats reports usage of both tiers.
type Stats struct {
	Staging        cache.Stats
	Download       cache.Stats
	PendingUploads int
	Inline         int
}

// Open creates the cache directories under cfg.Path, re-queues uploads for
// records left staged by an earlier process and starts the remove job.
func Open(ctx context.Context, be backend.BlobBackend, cfg Config) (*DataStore, error) {
	if be == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sched := upload.New(upload.Config{
		Concurrency:     cfg.UploadConcurrency,
		Retries:         cfg.UploadRetries,
		InitialInterval: cfg.UploadInitialInterval,
		MaxInterval:     cfg.UploadMaxInterval,
		AttemptTimeout:  cfg.UploadTimeout,
		Logger:          cfg.Logger.With("component", "upload"),
	})

	cc, err := cache.New(cache.Config{
		Root:         cfg.Path,
		Size:         cfg.CacheSize,
		StagingSplit: cfg.StagingSplitPercentage,
		ReadTimeout:  cfg.ReadTimeout,
		RetryAfter:   cfg.RetryAfter,
		Logger:       cfg.Logger.With("component", "cache"),
	}, be, sched)
	if err != nil {
		_ = sched.Stop(ctx)
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	if err := cc.Recover(ctx); err != nil {
		_ = sched.Stop(ctx)
		return nil, fmt.Errorf("recovering cache: %w", err)
	}

	inlined, err := loadInline(ctx, be, cfg.Logger)
	if err != nil {
		_ = sched.Stop(ctx)
		return nil, err
	}

	gcOpts := []gc.ManagerOption{gc.WithLogger(cfg.Logger.With("component", "gc"))}
	if cfg.Meter != nil {
		gcOpts = append(gcOpts, gc.WithMetrics(cfg.Meter))
	}

	remover := gc.New(cc, gc.Config{
		Interval:     cfg.RemoveInterval,
		StartupDelay: cfg.RemoveStartupDelay,
	}, gcOpts...)

	ds := &DataStore{
		backend: be,
		cache:   cc,
		sched:   sched,
		gc:      remover,
		policy:  cfg.Inline,
		logger:  cfg.Logger,
		inlined: inlined,
	}
	if cfg.RemoveInterval >= 0 {
		ds.gc.Start(context.WithoutCancel(ctx))
	}

	staging, download := cc.Stats()
	cfg.Logger.Info("datastore opened",
		"path", cfg.Path,
		"staging_budget", staging.Capacity,
		"download_budget", download.Capacity,
		"staged", staging.Entries,
		"downloaded", download.Entries,
		"inline", len(inlined),
	)
	return ds, nil
}

// loadInline reads the inline records persisted in the backend. Records
// whose content no longer matches their identifier are skipped.
func loadInline(ctx context.Context, be backend.BlobBackend, logger *slog.Logger) (map[blobcache.Identifier][]byte, error) {
	inlined := make(map[blobcache.Identifier][]byte)
	for rec, err := range be.InlineRecords(ctx) {
		if errors.Is(err, blobcache.ErrIntegrity) {
			logger.Error("skipping corrupt inline record", "id", rec.ID.Short(), "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading inline records: %w", err)
		}
		inlined[rec.ID] = rec.Data
	}
	return inlined, nil
}

// AddRecord stores the content of r and returns its record. The content is
// read once, hashed while it is copied to a temp file.
//
// In asynchronous mode AddRecord returns once the record is staged and the
// upload continues in the background. In synchronous mode it returns once
// the backend has confirmed the write. When staging is disabled every add
// is synchronous.
func (ds *DataStore) AddRecord(ctx context.Context, r io.Reader, opts ...AddOption) (*Record, error) {
	if ds.closed.Load() {
		return nil, ErrClosed
	}
	o := addOptions{mode: UploadAsynchronous}
	for _, opt := range opts {
		opt(&o)
	}
	ctx = telemetry.WithOperation(ctx, "add")

	if ds.policy != nil {
		rec, rest, err := ds.addInline(ctx, r)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			telemetry.RecordAdd(ctx, "inline", rec.Size, true)
			return rec, nil
		}
		r = rest
	}

	sp, err := ds.cache.Spool(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("spooling record: %w", err)
	}

	if !ds.cache.Staging().Enabled() {
		return ds.addDirect(ctx, sp)
	}

	res, err := ds.cache.Stage(ctx, sp)
	if err != nil {
		return nil, err
	}
	if o.mode == UploadSynchronous && res.Tier == telemetry.TierStaging {
		if err := ds.awaitUpload(ctx, res); err != nil {
			return nil, fmt.Errorf("uploading record %s: %w", res.Entry.ID.Short(), err)
		}
	}

	telemetry.RecordAdd(ctx, o.mode.String(), res.Entry.Size, res.Staged)
	ds.logger.Debug("record added",
		"id", res.Entry.ID.Short(),
		"size", res.Entry.Size,
		"mode", o.mode.String(),
		"tier", string(res.Tier),
	)
	return ds.newRecord(res.Entry.ID, res.Entry.Size, res.Entry.StagedAt), nil
}

// awaitUpload waits for the task Stage started. If that task belonged to
// an earlier entry for the same identifier, the upload is resubmitted.
func (ds *DataStore) awaitUpload(ctx context.Context, res *cache.StageResult) error {
	if res.Task != nil {
		err := res.Task.Wait(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, blobcache.ErrIntegrity):
			return err
		}
		if e, ok := ds.cache.Staging().Entry(res.Entry.ID); ok && e.State == cache.StateFailed {
			return err
		}
	}
	return ds.cache.AwaitUpload(ctx, res.Entry.ID)
}

// addInline reads up to the policy limit. It returns an inline record
// when the stream ended inside the limit and the policy accepts the size,
// otherwise a reader that replays what was consumed. Inline records are
// written to the backend before they are returned.
func (ds *DataStore) addInline(ctx context.Context, r io.Reader) (*Record, io.Reader, error) {
	limit := ds.policy.MaxInlineSize()
	if limit < 0 {
		return nil, r, nil
	}
	if limit == math.MaxInt64 {
		limit--
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, limit+1)
	if err == nil {
		return nil, io.MultiReader(&buf, r), nil
	}
	if !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("reading record: %w", err)
	}

	if !ds.policy.Inline(n) {
		return nil, &buf, nil
	}

	// Inline content must be non-nil, including the empty record.
	data := append([]byte{}, buf.Bytes()...)
	id := blobcache.Sum(data)
	if err := ds.backend.WriteInline(ctx, id, data); err != nil {
		return nil, nil, err
	}

	ds.inlineMu.Lock()
	ds.inlined[id] = data
	ds.inlineMu.Unlock()

	return &Record{ID: id, Size: n, LastModified: time.Now(), inline: data, ds: ds}, nil, nil
}

// addDirect uploads a spooled record before returning, then hands the file
// to the download tier. A concurrent add of the same content joins the
// running upload.
func (ds *DataStore) addDirect(ctx context.Context, sp *store.Spooled) (*Record, error) {
	if size, ok := ds.cache.Download().Lookup(sp.ID); ok {
		sp.Discard()
		telemetry.RecordAdd(ctx, UploadSynchronous.String(), size, false)
		return ds.newRecord(sp.ID, size, time.Time{}), nil
	}

	placeCtx := context.WithoutCancel(ctx)
	task, joined, err := ds.sched.Submit(upload.Job{
		ID:   sp.ID,
		Size: sp.Size,
		Body: func(ctx context.Context) error {
			return ds.uploadSpooled(ctx, sp)
		},
		Done: func(_ *upload.Task, err error) {
			if err != nil {
				sp.Discard()
				return
			}
			ds.cache.PlaceUploaded(placeCtx, sp)
		},
	})
	if err != nil {
		sp.Discard()
		return nil, fmt.Errorf("scheduling upload: %w", err)
	}
	if joined {
		sp.Discard()
	}

	if err := task.Wait(ctx); err != nil {
		return nil, fmt.Errorf("uploading record %s: %w", sp.ID.Short(), err)
	}

	telemetry.RecordAdd(ctx, UploadSynchronous.String(), sp.Size, !joined)
	return ds.newRecord(sp.ID, sp.Size, time.Now()), nil
}

func (ds *DataStore) uploadSpooled(ctx context.Context, sp *store.Spooled) error {
	f, err := os.Open(sp.Path)
	if err != nil {
		return upload.Permanent(fmt.Errorf("opening spooled record: %w", err))
	}
	defer func() { _ = f.Close() }()

	return ds.backend.Write(ctx, sp.ID, blobcache.NewVerifyingReader(f, sp.ID))
}

// GetRecordIfStored returns the record for id, or nil if no tier holds it.
// A backend hit populates the download tier.
func (ds *DataStore) GetRecordIfStored(ctx context.Context, id blobcache.Identifier) (*Record, error) {
	if ds.closed.Load() {
		return nil, ErrClosed
	}
	ctx = telemetry.WithOperation(ctx, "get")
	start := time.Now()
	defer func() { telemetry.RecordLookup(ctx, time.Since(start)) }()

	if data, ok := ds.lookupInline(id); ok {
		telemetry.SetTier(ctx, telemetry.TierInline)
		return &Record{ID: id, Size: int64(len(data)), inline: data, ds: ds}, nil
	}

	if e, ok := ds.cache.Staging().Lookup(id); ok {
		telemetry.SetTier(ctx, telemetry.TierStaging)
		return ds.newRecord(id, e.Size, e.StagedAt), nil
	}
	if size, ok := ds.cache.Download().Lookup(id); ok {
		telemetry.SetTier(ctx, telemetry.TierDownload)
		return ds.newRecord(id, size, time.Time{}), nil
	}

	res, err := ds.cache.Load(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", id.Short(), err)
	}
	telemetry.SetTier(ctx, telemetry.TierBackend)
	return ds.newRecord(id, res.Size, time.Time{}), nil
}

// Exists reports whether any tier holds id. No content is fetched.
func (ds *DataStore) Exists(ctx context.Context, id blobcache.Identifier) (bool, error) {
	if ds.closed.Load() {
		return false, ErrClosed
	}
	ctx = telemetry.WithOperation(ctx, "exists")
	start := time.Now()
	defer func() { telemetry.RecordLookup(ctx, time.Since(start)) }()

	if _, ok := ds.lookupInline(id); ok {
		telemetry.SetTier(ctx, telemetry.TierInline)
		return true, nil
	}
	if tier, _, ok := ds.cache.Lookup(id); ok {
		telemetry.SetTier(ctx, tier)
		return true, nil
	}

	ok, err := ds.backend.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking backend for %s: %w", id.Short(), err)
	}
	if ok {
		telemetry.SetTier(ctx, telemetry.TierBackend)
	}
	return ok, nil
}

// DeleteRecord removes id from every tier and the backend. An upload of id
// in flight is cancelled and waited for; once DeleteRecord returns no read
// returns the content.
func (ds *DataStore) DeleteRecord(ctx context.Context, id blobcache.Identifier) error {
	if ds.closed.Load() {
		return ErrClosed
	}
	ctx = telemetry.WithOperation(ctx, "delete")

	ds.inlineMu.Lock()
	delete(ds.inlined, id)
	ds.inlineMu.Unlock()
	if err := ds.backend.DeleteInline(ctx, id); err != nil {
		telemetry.RecordDelete(ctx, "error")
		return fmt.Errorf("deleting record %s: %w", id.Short(), err)
	}

	if err := ds.cache.Remove(ctx, id); err != nil {
		telemetry.RecordDelete(ctx, "error")
		return fmt.Errorf("deleting record %s: %w", id.Short(), err)
	}
	if err := ds.backend.Delete(ctx, id); err != nil {
		telemetry.RecordDelete(ctx, "error")
		return fmt.Errorf("deleting record %s from backend: %w", id.Short(), err)
	}

	// A read-through that began before the backend delete may have
	// repopulated the download tier.
	if err := ds.cache.Download().Remove(ctx, id); err != nil {
		telemetry.RecordDelete(ctx, "error")
		return fmt.Errorf("deleting record %s: %w", id.Short(), err)
	}

	telemetry.RecordDelete(ctx, "deleted")
	ds.logger.Debug("record deleted", "id", id.Short())
	return nil
}

// AllIdentifiers yields every stored identifier once: inline and staged
// records first, then the backend enumeration. Ranging over the sequence
// again takes a fresh snapshot.
func (ds *DataStore) AllIdentifiers(ctx context.Context) iter.Seq2[blobcache.Identifier, error] {
	return func(yield func(blobcache.Identifier, error) bool) {
		if ds.closed.Load() {
			yield(blobcache.Identifier{}, ErrClosed)
			return
		}

		seen := make(map[blobcache.Identifier]struct{})
		emit := func(id blobcache.Identifier) bool {
			if _, ok := seen[id]; ok {
				return true
			}
			seen[id] = struct{}{}
			return yield(id, nil)
		}

		for _, id := range ds.inlineIDs() {
			if !emit(id) {
				return
			}
		}
		for _, id := range ds.cache.StagedIDs() {
			if !emit(id) {
				return
			}
		}
		for id, err := range ds.backend.Identifiers(ctx) {
			if err != nil {
				yield(blobcache.Identifier{}, fmt.Errorf("listing backend: %w", err))
				return
			}
			if !emit(id) {
				return
			}
		}
	}
}

// Reference returns the backend reference token for id, or "" when id is
// not stored or is inline.
func (ds *DataStore) Reference(ctx context.Context, id blobcache.Identifier) (string, error) {
	if _, ok := ds.lookupInline(id); ok {
		return "", nil
	}
	ok, err := ds.Exists(ctx, id)
	if err != nil || !ok {
		return "", err
	}
	ref, err := ds.backend.Reference(ctx, id)
	if err != nil {
		return "", fmt.Errorf("getting reference for %s: %w", id.Short(), err)
	}
	return ref, nil
}

// RemoveJob runs the staging reconciliation pass now and waits for it.
func (ds *DataStore) RemoveJob(ctx context.Context) (*gc.Result, error) {
	if ds.closed.Load() {
		return nil, ErrClosed
	}
	return ds.gc.RunNow(ctx)
}

// WaitUploads blocks until no upload is in flight.
func (ds *DataStore) WaitUploads(ctx context.Context) error {
	return ds.sched.Wait(ctx)
}

// Stats returns current usage.
func (ds *DataStore) Stats() Stats {
	staging, download := ds.cache.Stats()
	ds.inlineMu.RLock()
	inline := len(ds.inlined)
	ds.inlineMu.RUnlock()
	return Stats{
		Staging:        staging,
		Download:       download,
		PendingUploads: ds.sched.Len(),
		Inline:         inline,
	}
}

// Close stops the remove job and drains uploads until ctx is done. Uploads
// still running then are abandoned; their records stay staged and are
// re-queued by the next Open. Close is idempotent.
func (ds *DataStore) Close(ctx context.Context) error {
	ds.closeOnce.Do(func() {
		ds.closed.Store(true)

		var errs []error
		if err := ds.gc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping remove job: %w", err))
		}
		if err := ds.sched.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping uploads: %w", err))
		}
		ds.closeErr = errors.Join(errs...)

		if ds.closeErr != nil {
			ds.logger.Warn("datastore closed with errors", "error", ds.closeErr)
		} else {
			ds.logger.Info("datastore closed")
		}
	})
	return ds.closeErr
}

// open resolves id through the tiers in lookup order.
func (ds *DataStore) open(ctx context.Context, id blobcache.Identifier) (io.ReadCloser, error) {
	if rc, _, err := ds.cache.Open(id); err == nil {
		return rc, nil
	}

	res, err := ds.cache.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", id.Short(), err)
	}
	if res.Cached {
		if rc, _, err := ds.cache.Download().Open(id); err == nil {
			return rc, nil
		}
	}

	rc, err := ds.backend.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id.Short(), err)
	}
	return blobcache.VerifyReadCloser(rc, id), nil
}

func (ds *DataStore) newRecord(id blobcache.Identifier, size int64, modified time.Time) *Record {
	return &Record{ID: id, Size: size, LastModified: modified, ds: ds}
}

func (ds *DataStore) lookupInline(id blobcache.Identifier) ([]byte, bool) {
	ds.inlineMu.RLock()
	defer ds.inlineMu.RUnlock()
	data, ok := ds.inlined[id]
	return data, ok
}

func (ds *DataStore) inlineIDs() []blobcache.Identifier {
	ds.inlineMu.RLock()
	defer ds.inlineMu.RUnlock()
	ids := make([]blobcache.Identifier, 0, len(ds.inlined))
	for id := range ds.inlined {
		ids = append(ids, id)
	}
	return ids
}
