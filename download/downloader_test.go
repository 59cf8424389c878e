package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache"
)

func TestDo_SingleCall(t *testing.T) {
	d := New()
	id := blobcache.Sum([]byte("hello"))

	result, shared, err := d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
		return &Result{ID: id, Size: 5, Cached: true}, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, id, result.ID)
	require.EqualValues(t, 5, result.Size)
	require.True(t, result.Cached)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()
	id := blobcache.Sum([]byte("data"))

	var calls atomic.Int32
	release := make(chan struct{})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
				calls.Add(1)
				<-release
				return &Result{ID: id, Size: 4}, nil
			})
		}(i)
	}

	// Give every goroutine time to join before the fetch finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load(), "fetch should run exactly once")
	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, id, results[i].ID)
	}
}

func TestDo_CallerTimeoutDoesNotCancelFetch(t *testing.T) {
	d := New()
	id := blobcache.Sum([]byte("slow"))

	started := make(chan struct{})
	release := make(chan struct{})
	var fetchCtxErr atomic.Value

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := d.Do(shortCtx, id, func(ctx context.Context) (*Result, error) {
			close(started)
			<-release
			fetchCtxErr.Store(ctx.Err() == nil)
			return &Result{ID: id, Size: 4}, nil
		})
		errCh <- err
	}()
	<-started

	require.ErrorIs(t, <-errCh, context.DeadlineExceeded)

	resCh := make(chan *Result, 1)
	go func() {
		res, shared, err := d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
			t.Error("fetch already in flight")
			return nil, nil
		})
		if err == nil && shared {
			resCh <- res
		}
		close(resCh)
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	res := <-resCh
	require.NotNil(t, res)
	require.Equal(t, id, res.ID)
	require.Equal(t, true, fetchCtxErr.Load(), "fetch context must outlive the first caller")
}

func TestDo_ErrorSharedAndForgotten(t *testing.T) {
	d := New()
	id := blobcache.Sum([]byte("broken"))
	fetchErr := errors.New("backend unavailable")

	var calls atomic.Int32
	_, _, err := d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		return nil, fetchErr
	})
	require.ErrorIs(t, err, fetchErr)

	res, shared, err := d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		return &Result{ID: id, Size: 1}, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, id, res.ID)
	require.Equal(t, int32(2), calls.Load())
}

func TestDo_DifferentIdentifiers(t *testing.T) {
	d := New()

	var calls atomic.Int32
	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := blobcache.Sum([]byte{byte(idx)})
			_, _, errs[idx] = d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
				calls.Add(1)
				return &Result{ID: id, Size: 1}, nil
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), calls.Load(), "each identifier should trigger its own fetch")
}

func TestForget_NewCallerStartsFreshFetch(t *testing.T) {
	d := New()
	id := blobcache.Sum([]byte("stale"))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
			close(started)
			<-release
			return &Result{ID: id, Size: 1}, nil
		})
	}()
	<-started

	d.Forget(id)

	var fresh atomic.Bool
	_, shared, err := d.Do(context.Background(), id, func(ctx context.Context) (*Result, error) {
		fresh.Store(true)
		return &Result{ID: id, Size: 1}, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.True(t, fresh.Load())

	close(release)
	<-done
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "integrity", outcome(blobcache.ErrIntegrity))
	require.Equal(t, "timeout", outcome(context.DeadlineExceeded))
	require.Equal(t, "error", outcome(errors.New("boom")))
}
