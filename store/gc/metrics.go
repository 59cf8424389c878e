package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	evicted          metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	retried          metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"blobcache_gc_runs_total",
		metric.WithDescription("Total number of GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"blobcache_gc_run_duration_seconds",
		metric.WithDescription("GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64Counter(
		"blobcache_gc_uploaded_evicted_total",
		metric.WithDescription("Total number of uploaded records released from staging"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"blobcache_gc_bytes_reclaimed_total",
		metric.WithDescription("Total staging bytes reclaimed by GC"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	retried, err := meter.Int64Counter(
		"blobcache_gc_uploads_retried_total",
		metric.WithDescription("Total number of uploads resubmitted by GC"),
		metric.WithUnit("{upload}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"blobcache_gc_errors_total",
		metric.WithDescription("Total number of GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"blobcache_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"blobcache_gc_last_run_success",
		metric.WithDescription("Whether last GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		evicted:          evicted,
		bytesReclaimed:   bytesReclaimed,
		retried:          retried,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
