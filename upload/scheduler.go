// Package upload schedules asynchronous uploads of staged records to the
// backend with at most one task per identifier.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/telemetry"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("upload scheduler stopped")

// Config configures a Scheduler.
type Config struct {
	Concurrency     int           // Max concurrent uploads (default: 10)
	Retries         int           // Attempts after the first (default: 5, negative disables)
	InitialInterval time.Duration // First retry delay (default: 100ms)
	MaxInterval     time.Duration // Retry delay cap (default: 30s)
	AttemptTimeout  time.Duration // Per-attempt timeout (default: none)
	Logger          *slog.Logger
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		Retries:         5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Job describes one upload.
type Job struct {
	ID   blobcache.Identifier
	Size int64

	// Body performs a single upload attempt. It is retried with backoff
	// unless it returns blobcache.ErrIntegrity, a Permanent error, or the
	// task is cancelled.
	Body func(ctx context.Context) error

	// Done is called exactly once with the task and its final outcome,
	// after Body has returned for the last time and before the task is
	// released. A new task for the same identifier cannot start until Done
	// returns.
	Done func(task *Task, err error)
}

// Task is a registered upload.
type Task struct {
	TaskID string
	ID     blobcache.Identifier

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the task has finished and its callback has run.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the final error. Only valid after Done is closed.
func (t *Task) Err() error {
	return t.err
}

// Cancel cancels the task's context. The callback still runs.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler runs upload jobs on background goroutines.
type Scheduler struct {
	config Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	tasks   map[blobcache.Identifier]*Task
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Zero fields in config take their defaults.
func New(config Config) *Scheduler {
	def := DefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.Retries == 0 {
		config.Retries = def.Retries
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = def.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = def.MaxInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(telemetry.WithOperationContext(context.Background(), "upload"))
	return &Scheduler{
		config:     config,
		logger:     config.Logger,
		sem:        semaphore.NewWeighted(int64(config.Concurrency)),
		baseCtx:    ctx,
		cancelBase: cancel,
		tasks:      make(map[blobcache.Identifier]*Task),
	}
}

// Submit registers job and starts it in the background. If a task for the
// same identifier is already registered, that task is returned with joined
// set and job is ignored.
func (s *Scheduler) Submit(job Job) (task *Task, joined bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, false, ErrStopped
	}
	if existing, ok := s.tasks[job.ID]; ok {
		return existing, true, nil
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	task = &Task{
		TaskID: uuid.NewString(),
		ID:     job.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[job.ID] = task
	telemetry.UpdateUploadsInFlight(ctx, len(s.tasks))

	s.wg.Add(1)
	go s.run(ctx, task, job)

	return task, false, nil
}

// Pending reports whether a task for id is registered.
func (s *Scheduler) Pending(id blobcache.Identifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Task returns the registered task for id, if any.
func (s *Scheduler) Task(id blobcache.Identifier) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Cancel cancels the task for id and returns it so the caller can wait for
// its callback. Returns nil when no task is registered.
func (s *Scheduler) Cancel(id blobcache.Identifier) *Task {
	s.mu.Lock()
	task := s.tasks[id]
	s.mu.Unlock()

	if task != nil {
		task.cancel()
	}
	return task
}

// Wait blocks until no task is registered or ctx is done. Tasks submitted
// while waiting are waited for too.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		pending := make([]*Task, 0, len(s.tasks))
		for _, t := range s.tasks {
			pending = append(pending, t)
		}
		s.mu.Unlock()

		if len(pending) == 0 {
			return nil
		}
		for _, t := range pending {
			select {
			case <-t.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Stop rejects new submissions and waits for registered tasks to finish.
// When ctx is done first, the remaining tasks are cancelled and Stop waits
// for their goroutines to exit before returning the context error.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		abandoned := s.Len()
		s.logger.Warn("abandoning uploads", "count", abandoned)
		s.cancelBase()
		<-drained
		return fmt.Errorf("abandoned %d uploads: %w", abandoned, ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, task *Task, job Job) {
	defer s.wg.Done()
	defer task.cancel()

	start := time.Now()
	log := s.logger.With("id", job.ID.Short(), "task", task.TaskID)

	attempts := 0
	err := s.sem.Acquire(ctx, 1)
	if err == nil {
		log.Debug("upload started", "size", job.Size)
		attempts, err = s.execute(ctx, job, log)
		s.sem.Release(1)
	}

	outcome := "success"
	switch {
	case err == nil:
		log.Debug("upload completed", "duration", time.Since(start), "attempts", attempts)
	case errors.Is(err, blobcache.ErrIntegrity):
		outcome = "integrity"
		log.Error("upload rejected, staged content is corrupt", "error", err)
	case ctx.Err() != nil:
		outcome = "cancelled"
		log.Info("upload cancelled", "error", err)
	default:
		outcome = "error"
		log.Error("upload failed", "attempts", attempts, "error", err)
	}
	telemetry.RecordUpload(ctx, outcome, time.Since(start), job.Size, attempts)

	if job.Done != nil {
		job.Done(task, err)
	}

	s.mu.Lock()
	if s.tasks[job.ID] == task {
		delete(s.tasks, job.ID)
	}
	telemetry.UpdateUploadsInFlight(ctx, len(s.tasks))
	s.mu.Unlock()

	task.err = err
	close(task.done)
}

// execute runs the job body with retries and returns the attempt count.
func (s *Scheduler) execute(ctx context.Context, job Job, log *slog.Logger) (int, error) {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		actx := ctx
		if s.config.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, s.config.AttemptTimeout)
			defer cancel()
		}

		err := job.Body(actx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, blobcache.ErrIntegrity), ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialInterval
	b.MaxInterval = s.config.MaxInterval

	tries := uint(1)
	if s.config.Retries > 0 {
		tries += uint(s.config.Retries)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("upload attempt failed, retrying", "attempt", attempts, "next", next, "error", err)
		}),
	)
	return attempts, err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
