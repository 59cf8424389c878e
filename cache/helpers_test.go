package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/upload"
)

var errTransient = errors.New("backend temporarily unavailable")

// gatedBackend lets tests hold uploads and reads at the backend boundary.
type gatedBackend struct {
	backend.BlobBackend

	mu        sync.Mutex
	writeGate chan struct{}
	readGate  chan struct{}

	writes     atomic.Int32
	reads      atomic.Int32
	failWrites atomic.Int32
	readsSeen  chan struct{}
}

func newGatedBackend(t *testing.T) *gatedBackend {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return &gatedBackend{
		BlobBackend: backend.NewBlobs(fs),
		readsSeen:   make(chan struct{}, 64),
	}
}

func (g *gatedBackend) holdWrites() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeGate = make(chan struct{})
}

func (g *gatedBackend) releaseWrites() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeGate != nil {
		close(g.writeGate)
		g.writeGate = nil
	}
}

func (g *gatedBackend) holdReads() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readGate = make(chan struct{})
}

func (g *gatedBackend) releaseReads() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readGate != nil {
		close(g.readGate)
		g.readGate = nil
	}
}

func (g *gatedBackend) Write(ctx context.Context, id blobcache.Identifier, r io.Reader) error {
	g.writes.Add(1)
	g.mu.Lock()
	gate := g.writeGate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if g.failWrites.Load() > 0 {
		g.failWrites.Add(-1)
		return errTransient
	}
	return g.BlobBackend.Write(ctx, id, r)
}

func (g *gatedBackend) Read(ctx context.Context, id blobcache.Identifier) (io.ReadCloser, error) {
	g.reads.Add(1)
	select {
	case g.readsSeen <- struct{}{}:
	default:
	}

	g.mu.Lock()
	gate := g.readGate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.BlobBackend.Read(ctx, id)
}

// fakeClock advances one millisecond per call so that access order is
// strictly increasing.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(t *testing.T) *upload.Scheduler {
	t.Helper()
	s := upload.New(upload.Config{Retries: -1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

type testCache struct {
	*CompositeCache
	backend *gatedBackend
	sched   *upload.Scheduler
	clock   *fakeClock
	root    string
}

func newTestCache(t *testing.T, size int64, split int) *testCache {
	t.Helper()
	return newTestCacheAt(t, t.TempDir(), newGatedBackend(t), size, split)
}

func newTestCacheAt(t *testing.T, root string, be *gatedBackend, size int64, split int) *testCache {
	t.Helper()
	sched := newTestScheduler(t)
	clock := newFakeClock()
	c, err := New(Config{
		Root:         root,
		Size:         size,
		StagingSplit: split,
		Now:          clock.Now,
	}, be, sched)
	require.NoError(t, err)
	return &testCache{CompositeCache: c, backend: be, sched: sched, clock: clock, root: root}
}

func (tc *testCache) spool(t *testing.T, data []byte) *store.Spooled {
	t.Helper()
	sp, err := tc.Spool(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	return sp
}

func (tc *testCache) stage(t *testing.T, data []byte) *StageResult {
	t.Helper()
	res, err := tc.Stage(context.Background(), tc.spool(t, data))
	require.NoError(t, err)
	return res
}

func (tc *testCache) requireDurable(t *testing.T, id blobcache.Identifier) {
	t.Helper()
	ok, err := tc.backend.BlobBackend.Exists(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "record %s should be in the backend", id.Short())
}

// storeFile places data directly in st, bypassing the cache index.
func storeFile(t *testing.T, st *store.CAFS, data []byte) blobcache.Identifier {
	t.Helper()
	sp, err := st.Spool(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	_, err = st.Adopt(sp.ID, sp.Path)
	require.NoError(t, err)
	return sp.ID
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func record(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

func readAllErr(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
