// Package gc runs the staging reconciliation job in the background.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Target is the cache tier the job reconciles.
type Target interface {
	// EvictUploaded releases every record confirmed durable and returns
	// the number released and the bytes freed.
	EvictUploaded(ctx context.Context) (int, int64, error)

	// RetryFailed resubmits uploads that are due for another attempt.
	RetryFailed(ctx context.Context) int
}

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1m)
	StartupDelay time.Duration // Delay before first run (default: 0)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Evicted        int           `json:"evicted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Retried        int           `json:"retried"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager runs the reconciliation job periodically.
type Manager struct {
	target  Target
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	runMu sync.Mutex // serialises runs

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a new GC manager.
func New(target Target, config Config, opts ...ManagerOption) *Manager {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	m := &Manager{
		target: target,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx, m.stopCh, m.doneCh)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run. It waits for a run already in
// progress to finish first.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	result := m.runGC(ctx)
	return result, nil
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	// Wait for startup delay
	select {
	case <-time.After(m.config.StartupDelay):
	case <-stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		StartedAt: time.Now(),
	}

	m.logger.Debug("starting gc run")

	// Phase 1: hand uploaded records to the download tier
	m.phaseEvictUploaded(ctx, result)

	// Phase 2: resubmit failed and unowned uploads
	m.phaseRetryFailed(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	level := slog.LevelDebug
	if result.Evicted > 0 || result.Retried > 0 || len(result.Errors) > 0 {
		level = slog.LevelInfo
	}
	m.logger.Log(ctx, level, "gc run completed",
		"duration", result.Duration,
		"evicted", result.Evicted,
		"bytes_reclaimed", result.BytesReclaimed,
		"retried", result.Retried,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.evicted.Add(ctx, int64(result.Evicted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.retried.Add(ctx, int64(result.Retried))
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		if meter == nil {
			return
		}
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}
