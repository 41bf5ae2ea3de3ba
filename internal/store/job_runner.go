// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// FailureNotifier is invoked when a job exhausts its attempt ceiling, so the
// failure can be surfaced somewhere a human will see it instead of vanishing
// from the queue.
type FailureNotifier func(job Job, errMsg string)

// Backoff and pool configuration constants.
const (
	// DefaultPollInterval is how often each pool checks for due jobs.
	DefaultPollInterval = 2 * time.Second
	// DefaultStaleThreshold marks running jobs older than this as crashed.
	DefaultStaleThreshold = 5 * time.Minute
	// backoffBase is the first retry delay; doubled per attempt.
	backoffBase = 30 * time.Second
	// backoffCap bounds the retry delay.
	backoffCap = 10 * time.Minute
)

// kindPool bounds concurrent execution for one job kind.
type kindPool struct {
	handler JobHandler
	sem     chan struct{}
}

// JobRunner claims due jobs from the repo and dispatches them to per-kind
// worker pools. Kinds never starve each other: each pool has its own
// concurrency limit and claims only as many jobs as it has free workers.
type JobRunner struct {
	repo           JobRepo
	mu             sync.RWMutex
	pools          map[string]*kindPool
	pollInterval   time.Duration
	staleThreshold time.Duration
	notifier       FailureNotifier
	wg             sync.WaitGroup
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &JobRunner{
		repo:           repo,
		pools:          make(map[string]*kindPool),
		pollInterval:   pollInterval,
		staleThreshold: DefaultStaleThreshold,
	}
}

// RegisterHandler registers a handler for a job kind with a concurrency limit.
func (r *JobRunner) RegisterHandler(kind string, workers int, handler JobHandler) {
	if workers <= 0 {
		workers = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[kind] = &kindPool{handler: handler, sem: make(chan struct{}, workers)}
	slog.Debug("JobRunner.RegisterHandler", "kind", kind, "workers", workers)
}

// SetFailureNotifier registers the permanent-failure callback.
func (r *JobRunner) SetFailureNotifier(fn FailureNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = fn
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled and
// all in-flight jobs have finished.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping, waiting for in-flight jobs")
			r.wg.Wait()
			slog.Info("JobRunner.Run: stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// Poll claims and dispatches one round of due jobs. Exported for tests that
// drive the runner without the ticker loop.
func (r *JobRunner) Poll(ctx context.Context) {
	r.poll(ctx)
}

func (r *JobRunner) poll(ctx context.Context) {
	now := time.Now()

	r.mu.RLock()
	kinds := make([]string, 0, len(r.pools))
	for kind := range r.pools {
		kinds = append(kinds, kind)
	}
	r.mu.RUnlock()

	for _, kind := range kinds {
		r.mu.RLock()
		pool := r.pools[kind]
		r.mu.RUnlock()

		free := cap(pool.sem) - len(pool.sem)
		if free == 0 {
			continue
		}

		jobs, err := r.repo.ClaimDueJobs(now, kind, free)
		if err != nil {
			slog.Error("JobRunner.poll: claim failed", "kind", kind, "error", err)
			continue
		}

		for _, job := range jobs {
			pool.sem <- struct{}{}
			r.wg.Add(1)
			go r.execute(ctx, pool, job)
		}
	}
}

func (r *JobRunner) execute(ctx context.Context, pool *kindPool, job Job) {
	defer func() {
		<-pool.sem
		r.wg.Done()
	}()

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := pool.handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)

		nextRun := time.Now().Add(retryBackoff(job.Attempt))
		if ferr := r.repo.FailJob(job.ID, err.Error(), nextRun); ferr != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", ferr)
			return
		}

		if job.Attempt+1 >= job.MaxAttempts {
			slog.Error("JobRunner.execute: job permanently failed", "id", job.ID, "kind", job.Kind, "attempts", job.Attempt+1)
			r.mu.RLock()
			notifier := r.notifier
			r.mu.RUnlock()
			if notifier != nil {
				notifier(job, err.Error())
			}
		}
		return
	}

	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}

// retryBackoff computes the capped exponential delay for the given attempt.
func retryBackoff(attempt int) time.Duration {
	backoff := backoffBase << attempt
	if backoff > backoffCap || backoff <= 0 {
		backoff = backoffCap
	}
	return backoff
}
