// Package jobs provides the background job runner used for write-behind
// persistence: asynchronous session writes to the relational tier and audit
// row updates. Jobs are retried with backoff; the queue drains with a bounded
// timeout during graceful shutdown.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayforge/maestro/pkg/config"
)

// Job is a unit of background work. Returning an error triggers a retry up
// to the configured maximum.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner is a bounded-queue worker pool for background jobs.
type Runner struct {
	cfg      *config.JobsConfig
	queue    chan Job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	processed int
	failed    int
}

// NewRunner creates a job runner. Call Start before submitting.
func NewRunner(cfg *config.JobsConfig) *Runner {
	return &Runner{
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("Starting job runner", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.run(ctx, fmt.Sprintf("job-worker-%d", i))
	}
}

// Submit enqueues a job. If the queue is full or the runner is stopping, the
// job executes synchronously so work is never dropped.
func (r *Runner) Submit(ctx context.Context, job Job) {
	select {
	case <-r.stopCh:
		r.execute(ctx, job)
		return
	default:
	}
	select {
	case r.queue <- job:
	default:
		slog.Warn("Job queue full, executing synchronously", "job", job.Name)
		r.execute(ctx, job)
	}
}

// Stop drains the queue (bounded by DrainTimeout) and waits for workers.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		slog.Info("Job runner drained", "processed", r.Processed())
	case <-time.After(r.cfg.DrainTimeout):
		slog.Warn("Job runner drain timeout exceeded", "remaining", len(r.queue))
	}
}

// Healthy reports whether the runner is accepting work. Used by the
// readiness endpoint.
func (r *Runner) Healthy() bool {
	select {
	case <-r.stopCh:
		return false
	default:
		return true
	}
}

// Processed returns the number of successfully completed jobs.
func (r *Runner) Processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

// Failed returns the number of jobs that exhausted their retries.
func (r *Runner) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *Runner) run(ctx context.Context, workerID string) {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.queue:
			r.execute(ctx, job)
		case <-r.stopCh:
			// Drain remaining jobs before exiting.
			for {
				select {
				case job := <-r.queue:
					r.execute(ctx, job)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context, job Job) {
	backoff := r.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= r.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
		if err = job.Run(ctx); err == nil {
			r.mu.Lock()
			r.processed++
			r.mu.Unlock()
			return
		}
		slog.Warn("Background job failed",
			"job", job.Name, "attempt", attempt+1, "error", err)
	}
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
	slog.Error("Background job exhausted retries", "job", job.Name, "error", err)
}
