package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordLookup_TierFromTags(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithOperation(context.Background(), "get")
	SetTier(ctx, TierStaging)
	RecordLookup(ctx, 2*time.Millisecond)

	miss := WithOperation(context.Background(), "exists")
	RecordLookup(miss, time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "blobcache_lookups_total")
	require.Len(t, dps, 2)

	var sawHit, sawMiss bool
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "op", "get"):
			sawHit = true
			require.True(t, hasAttr(dp.Attributes, "tier", "staging"))
			require.True(t, hasAttr(dp.Attributes, "result", "hit"))
		case hasAttr(dp.Attributes, "op", "exists"):
			sawMiss = true
			require.True(t, hasAttr(dp.Attributes, "tier", "none"))
			require.True(t, hasAttr(dp.Attributes, "result", "miss"))
		}
	}
	require.True(t, sawHit)
	require.True(t, sawMiss)

	hist := findHistogram(rm, "blobcache_lookup_duration_seconds")
	require.Len(t, hist, 2)
}

func TestRecordUpload_CountsRetriesAndBytes(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordUpload(ctx, "success", 50*time.Millisecond, 4096, 3)
	RecordUpload(ctx, "error", 10*time.Millisecond, 4096, 1)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "blobcache_uploads_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "blobcache_upload_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 4096, bytesDps[0].Value)

	retries := findCounter(rm, "blobcache_upload_retries_total")
	require.Len(t, retries, 1)
	require.EqualValues(t, 2, retries[0].Value)
}

func TestRecordFetch_SharedCountedSeparately(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordFetch(ctx, "success", 100, false)
	RecordFetch(ctx, "success", 100, true)
	RecordFetch(ctx, "success", 100, true)

	rm := collectMetrics(t, reader)

	fetches := findCounter(rm, "blobcache_backend_fetches_total")
	require.Len(t, fetches, 1)
	require.EqualValues(t, 1, fetches[0].Value)

	shared := findCounter(rm, "blobcache_backend_fetch_shared_total")
	require.Len(t, shared, 1)
	require.EqualValues(t, 2, shared[0].Value)
}

func TestRecordEvictionAndCacheState(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEviction(ctx, TierStaging, "uploaded", 512)
	RecordEviction(ctx, TierStaging, "uploaded", 256)
	UpdateCacheState(ctx, TierDownload, 2048, 3, 8192)

	rm := collectMetrics(t, reader)

	ev := findCounter(rm, "blobcache_evictions_total")
	require.Len(t, ev, 1)
	require.EqualValues(t, 2, ev[0].Value)
	require.True(t, hasAttr(ev[0].Attributes, "tier", "staging"))

	evBytes := findCounter(rm, "blobcache_eviction_bytes_total")
	require.Len(t, evBytes, 1)
	require.EqualValues(t, 768, evBytes[0].Value)

	gauge := findGauge(rm, "blobcache_cache_bytes")
	require.Len(t, gauge, 1)
	require.EqualValues(t, 2048, gauge[0].Value)
	require.True(t, hasAttr(gauge[0].Attributes, "tier", "download"))
}

func TestRecordBackendOp_CallerAttribute(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(WithOperation(context.Background(), "get"), "bolt", "read", "success", time.Millisecond, 10)
	RecordBackendOp(context.Background(), "bolt", "write", "success", time.Millisecond, 0)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "blobcache_backend_requests_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "op", "read") {
			require.True(t, hasAttr(dp.Attributes, "caller", "get"))
		} else {
			require.True(t, hasAttr(dp.Attributes, "caller", "background"))
		}
	}

	bytesDps := findCounter(rm, "blobcache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 10, bytesDps[0].Value)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Should not panic
	RecordLookup(ctx, time.Millisecond)
	RecordAdd(ctx, "async", 1, true)
	RecordDelete(ctx, "success")
	RecordUpload(ctx, "success", time.Millisecond, 1, 1)
	RecordFetch(ctx, "success", 1, false)
	RecordEviction(ctx, TierDownload, "lru", 1)
	UpdateCacheState(ctx, TierStaging, 0, 0, 0)
	UpdateUploadsInFlight(ctx, 0)
	RecordBackendOp(ctx, "fs", "read", "success", time.Millisecond, 0)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
