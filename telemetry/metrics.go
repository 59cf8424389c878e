package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/blobcache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	lookupsTotal   metric.Int64Counter
	lookupDuration metric.Float64Histogram

	addsTotal    metric.Int64Counter
	addSize      metric.Float64Histogram
	deletesTotal metric.Int64Counter

	uploadsTotal       metric.Int64Counter
	uploadDuration     metric.Float64Histogram
	uploadBytesTotal   metric.Int64Counter
	uploadRetriesTotal metric.Int64Counter

	fetchesTotal     metric.Int64Counter
	fetchBytesTotal  metric.Int64Counter
	fetchSharedTotal metric.Int64Counter

	evictionsTotal     metric.Int64Counter
	evictionBytesTotal metric.Int64Counter

	cacheBytes      metric.Int64Gauge
	cacheEntries    metric.Int64Gauge
	cacheCapacity   metric.Int64Gauge
	uploadsInFlight metric.Int64Gauge

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "blobcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	durationBuckets := metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)

	if m.lookupsTotal, err = meter.Int64Counter(
		"blobcache_lookups_total",
		metric.WithDescription("Total record lookups by operation and answering tier"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.lookupDuration, err = meter.Float64Histogram(
		"blobcache_lookup_duration_seconds",
		metric.WithDescription("Duration of record lookups"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.addsTotal, err = meter.Int64Counter(
		"blobcache_adds_total",
		metric.WithDescription("Total records added by upload mode and result"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.addSize, err = meter.Float64Histogram(
		"blobcache_add_size_bytes",
		metric.WithDescription("Size of records added"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824),
	); err != nil {
		return nil, err
	}

	if m.deletesTotal, err = meter.Int64Counter(
		"blobcache_deletes_total",
		metric.WithDescription("Total records deleted"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.uploadsTotal, err = meter.Int64Counter(
		"blobcache_uploads_total",
		metric.WithDescription("Total upload tasks completed by outcome"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}

	if m.uploadDuration, err = meter.Float64Histogram(
		"blobcache_upload_duration_seconds",
		metric.WithDescription("Duration of upload tasks including retries"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.uploadBytesTotal, err = meter.Int64Counter(
		"blobcache_upload_bytes_total",
		metric.WithDescription("Total bytes confirmed by the backend"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.uploadRetriesTotal, err = meter.Int64Counter(
		"blobcache_upload_retries_total",
		metric.WithDescription("Total upload attempts that were retried"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.fetchesTotal, err = meter.Int64Counter(
		"blobcache_backend_fetches_total",
		metric.WithDescription("Total read-through fetches that populated the download cache"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.fetchBytesTotal, err = meter.Int64Counter(
		"blobcache_backend_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched into the download cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.fetchSharedTotal, err = meter.Int64Counter(
		"blobcache_backend_fetch_shared_total",
		metric.WithDescription("Total callers that joined an in-flight fetch"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"blobcache_evictions_total",
		metric.WithDescription("Total entries evicted by tier and reason"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.evictionBytesTotal, err = meter.Int64Counter(
		"blobcache_eviction_bytes_total",
		metric.WithDescription("Total bytes released by eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheBytes, err = meter.Int64Gauge(
		"blobcache_cache_bytes",
		metric.WithDescription("Current bytes held by each cache tier"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"blobcache_cache_entries",
		metric.WithDescription("Current entries held by each cache tier"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cacheCapacity, err = meter.Int64Gauge(
		"blobcache_cache_capacity_bytes",
		metric.WithDescription("Configured byte budget of each cache tier"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.uploadsInFlight, err = meter.Int64Gauge(
		"blobcache_uploads_in_flight",
		metric.WithDescription("Upload tasks currently registered"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"blobcache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"blobcache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"blobcache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordLookup records a facade lookup. The answering tier is read from the
// operation tags on ctx.
func RecordLookup(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	op := OperationFromContext(ctx)
	if op == "" {
		op = "unknown"
	}
	tier := TierFromContext(ctx)
	result := "hit"
	if tier == TierNone {
		result = "miss"
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("tier", string(tier)),
		attribute.String("result", result),
	)
	globalMetrics.lookupsTotal.Add(ctx, 1, attrs)
	globalMetrics.lookupDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAdd records an added record. mode is "sync", "async" or "inline";
// staged is false when the content was already held locally.
func RecordAdd(ctx context.Context, mode string, size int64, staged bool) {
	if globalMetrics == nil {
		return
	}

	result := "existing"
	if staged {
		result = "new"
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	)
	globalMetrics.addsTotal.Add(ctx, 1, attrs)
	globalMetrics.addSize.Record(ctx, float64(size), attrs)
}

// RecordDelete records a facade delete.
func RecordDelete(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.deletesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordUpload records one finished upload task. attempts counts every
// backend write including the first.
func RecordUpload(ctx context.Context, outcome string, duration time.Duration, bytes int64, attempts int) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.uploadsTotal.Add(ctx, 1, attrs)
	globalMetrics.uploadDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" && bytes > 0 {
		globalMetrics.uploadBytesTotal.Add(ctx, bytes)
	}
	if attempts > 1 {
		globalMetrics.uploadRetriesTotal.Add(ctx, int64(attempts-1))
	}
}

// RecordFetch records a read-through fetch. shared is true for callers that
// joined another caller's fetch.
func RecordFetch(ctx context.Context, outcome string, bytes int64, shared bool) {
	if globalMetrics == nil {
		return
	}

	if shared {
		globalMetrics.fetchSharedTotal.Add(ctx, 1)
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fetchesTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordEviction records an entry leaving a tier. reason is one of
// "uploaded", "lru", "deleted", "integrity".
func RecordEviction(ctx context.Context, tier Tier, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("reason", reason),
	)
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// UpdateCacheState updates the per-tier gauges.
func UpdateCacheState(ctx context.Context, tier Tier, bytes int64, entries int, capacity int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", string(tier)))
	globalMetrics.cacheBytes.Record(ctx, bytes, attrs)
	globalMetrics.cacheEntries.Record(ctx, int64(entries), attrs)
	globalMetrics.cacheCapacity.Record(ctx, capacity, attrs)
}

// UpdateUploadsInFlight records the number of registered upload tasks.
func UpdateUploadsInFlight(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.uploadsInFlight.Record(ctx, int64(n))
}

// RecordBackendOp records backend operation metrics. The calling facade
// operation, if any, is read from ctx.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	caller := OperationFromContext(ctx)
	if caller == "" {
		caller = "background"
	}
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
		attribute.String("caller", caller),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
