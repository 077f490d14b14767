package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// maxRetryBackoff caps the delay before a failed CNPJ is requeued.
const maxRetryBackoff = 8 * time.Second

// Lookup performs one enrichment attempt across the configured providers.
type Lookup interface {
	Route(ctx context.Context, cnpj string) (*domain.Company, error)
}

// Options tunes the worker pool.
type Options struct {
	MaxConcurrent int
	MaxRetries    int
	// TotalLimitPerMinute is the sum of enabled provider limits; it sets the
	// global pacing interval of 60s / total between request starts.
	TotalLimitPerMinute int
}

// Workers drains the queue with a fixed pool of goroutines. Request starts
// are paced globally so the pool never exceeds the combined provider budget
// regardless of concurrency.
type Workers struct {
	store domain.JobStore
	route Lookup
	queue *JobQueue
	opts  Options

	minInterval time.Duration
	paceMu      sync.Mutex
	nextStart   time.Time

	inflight atomic.Int64
	retryWG  sync.WaitGroup
}

// NewWorkers wires the pool. Concurrency defaults to 4 and retries to 3.
func NewWorkers(store domain.JobStore, route Lookup, q *JobQueue, opts Options) *Workers {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	total := opts.TotalLimitPerMinute
	if total <= 0 {
		total = 1
	}
	return &Workers{
		store:       store,
		route:       route,
		queue:       q,
		opts:        opts,
		minInterval: time.Minute / time.Duration(total),
	}
}

// Inflight reports how many CNPJs are being processed right now.
func (w *Workers) Inflight() int { return int(w.inflight.Load()) }

// Run blocks draining the queue until ctx is cancelled. Delayed requeues in
// flight are waited out before returning.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.MaxConcurrent; i++ {
		id := i
		g.Go(func() error { return w.loop(ctx, id) })
	}
	err := g.Wait()
	w.retryWG.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Workers) loop(ctx context.Context, id int) error {
	for {
		cnpj, err := w.queue.Pop(ctx)
		if err != nil {
			return err
		}

		job, ok, err := w.store.Claim(ctx, cnpj)
		if err != nil {
			slog.Error("claim failed, dropping from queue",
				slog.String("cnpj", cnpj), slog.Any("error", err))
			continue
		}
		if !ok {
			// Someone else finished or reset it since the push.
			continue
		}

		if err := w.pace(ctx); err != nil {
			// Shutting down mid-claim: hand the row back to the reaper path.
			_ = w.store.Requeue(context.WithoutCancel(ctx), cnpj, 0)
			return err
		}

		w.inflight.Add(1)
		observability.JobsProcessing.Inc()
		w.process(ctx, job)
		observability.JobsProcessing.Dec()
		w.inflight.Add(-1)
	}
}

// pace blocks until this worker's reserved start slot arrives. Slots are
// handed out minInterval apart across the whole pool.
func (w *Workers) pace(ctx context.Context) error {
	w.paceMu.Lock()
	now := time.Now()
	start := w.nextStart
	if start.Before(now) {
		start = now
	}
	w.nextStart = start.Add(w.minInterval)
	w.paceMu.Unlock()

	wait := time.Until(start)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Workers) process(ctx context.Context, job domain.Job) {
	rec, err := w.route.Route(ctx, job.CNPJ)
	switch {
	case err == nil:
		if err := w.store.MarkCompleted(ctx, job.CNPJ, rec); err != nil {
			slog.Error("persisting completed job failed, requeueing",
				slog.String("cnpj", job.CNPJ), slog.Any("error", err))
			// A write failure is not the job's fault; put it back without
			// burning a retry instead of waiting for the reaper.
			if err := w.store.Requeue(context.WithoutCancel(ctx), job.CNPJ, 0); err != nil {
				slog.Error("requeue after write failure failed",
					slog.String("cnpj", job.CNPJ), slog.Any("error", err))
				return
			}
			observability.JobsRequeuedTotal.WithLabelValues("write_failure").Inc()
			w.queue.Push(job.CNPJ)
			return
		}
		observability.JobsFinishedTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
		slog.Info("cnpj enriched", slog.String("cnpj", job.CNPJ),
			slog.String("provider", rec.ProviderName))

	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidCNPJ):
		// Authoritative answer, retrying cannot change it.
		w.finish(ctx, job.CNPJ, domain.JobError, err.Error())

	case errors.Is(err, domain.ErrNoProviderAvailable):
		w.retryOrFinish(ctx, job, domain.JobRateLimited, err)

	case errors.Is(err, domain.ErrAllProvidersFailed):
		w.retryOrFinish(ctx, job, domain.JobError, err)

	case errors.Is(err, context.Canceled):
		_ = w.store.Requeue(context.WithoutCancel(ctx), job.CNPJ, 0)

	default:
		w.retryOrFinish(ctx, job, domain.JobError, err)
	}
}

// retryOrFinish requeues with exponential backoff while the retry budget
// lasts, then lands the job on its exhausted status.
func (w *Workers) retryOrFinish(ctx context.Context, job domain.Job, exhausted domain.JobStatus, cause error) {
	if job.RetryCount >= w.opts.MaxRetries {
		w.finish(ctx, job.CNPJ, exhausted, cause.Error())
		return
	}

	// The delay follows the attempt being scheduled: the first retry waits
	// 2s, then 4s, then 8s.
	delay := retryBackoff(job.RetryCount + 1)
	slog.Warn("attempt failed, scheduling retry",
		slog.String("cnpj", job.CNPJ),
		slog.Int("retry", job.RetryCount+1),
		slog.Duration("delay", delay),
		slog.Any("error", cause))

	if err := w.store.Requeue(ctx, job.CNPJ, 1); err != nil {
		slog.Error("requeue failed", slog.String("cnpj", job.CNPJ), slog.Any("error", err))
		return
	}
	observability.JobsRequeuedTotal.WithLabelValues("retry").Inc()

	w.retryWG.Add(1)
	go func() {
		defer w.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		// Push even on shutdown: the row is queued either way and the next
		// boot's pending load will pick it up.
		w.queue.Push(job.CNPJ)
	}()
}

func (w *Workers) finish(ctx context.Context, cnpj string, status domain.JobStatus, message string) {
	var err error
	switch status {
	case domain.JobRateLimited:
		err = w.store.MarkRateLimited(ctx, cnpj, message)
	default:
		err = w.store.MarkError(ctx, cnpj, message)
	}
	if err != nil {
		slog.Error("persisting terminal status failed",
			slog.String("cnpj", cnpj), slog.String("status", string(status)), slog.Any("error", err))
		return
	}
	observability.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
	slog.Info("job finished", slog.String("cnpj", cnpj), slog.String("status", string(status)),
		slog.String("message", message))
}

// retryBackoff returns min(2^n, 8) seconds for the n-th retry.
func retryBackoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 3 {
		return maxRetryBackoff
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
