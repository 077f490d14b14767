// Package app composes the stores, limiter and queue loops into one
// supervised pipeline and exposes the operations the HTTP layer calls.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
	"github.com/fairyhunter13/cnpj-enricher/internal/queue"
	"github.com/fairyhunter13/cnpj-enricher/internal/service/ratelimiter"
)

const recentJobsLimit = 100

// Options tune the supervisor's boot behavior.
type Options struct {
	// AutoRestart rescues stuck rows and reloads queued rows at boot so a
	// restarted process resumes where the previous one stopped.
	AutoRestart bool
}

// Supervisor owns the pipeline lifecycle and the queue-facing operations.
type Supervisor struct {
	store    domain.JobStore
	limiter  *ratelimiter.AdaptiveRateLimiter
	queue    *queue.JobQueue
	workers  *queue.Workers
	reaper   *queue.Reaper
	refiller *queue.Refiller
	opts     Options

	restartMu sync.Mutex
}

// New wires a supervisor over already-constructed pipeline parts.
func New(store domain.JobStore, limiter *ratelimiter.AdaptiveRateLimiter,
	q *queue.JobQueue, w *queue.Workers, r *queue.Reaper, f *queue.Refiller, opts Options) *Supervisor {
	return &Supervisor{
		store:    store,
		limiter:  limiter,
		queue:    q,
		workers:  w,
		reaper:   r,
		refiller: f,
		opts:     opts,
	}
}

// Run boots the pipeline and blocks until ctx is cancelled. Cancellation is a
// normal shutdown, not an error.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.AutoRestart {
		rescued := s.reaper.Sweep(ctx)
		loaded, err := s.loadPending(ctx)
		if err != nil {
			slog.Error("boot queue reload failed", slog.Any("error", err))
		}
		slog.Info("queue restored at boot",
			slog.Int("rescued", rescued), slog.Int("loaded", loaded))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.workers.Run(ctx) })
	g.Go(func() error { return s.reaper.Run(ctx) })
	g.Go(func() error { return s.refiller.Run(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SubmitResult pairs one submitted CNPJ with its enqueue ack.
type SubmitResult struct {
	CNPJ   string            `json:"cnpj"`
	Status domain.EnqueueAck `json:"status"`
}

// Submit canonicalizes and enqueues a batch of CNPJs. Invalid entries are
// reported per item and never fail the batch.
func (s *Supervisor) Submit(ctx context.Context, raws []string) ([]SubmitResult, error) {
	results := make([]SubmitResult, 0, len(raws))
	for _, raw := range raws {
		cnpj, err := domain.CanonicalizeCNPJ(raw)
		if err != nil {
			results = append(results, SubmitResult{CNPJ: raw, Status: domain.AckInvalid})
			observability.JobsEnqueuedTotal.WithLabelValues(string(domain.AckInvalid)).Inc()
			continue
		}
		ack, err := s.store.Enqueue(ctx, cnpj)
		if err != nil {
			return nil, err
		}
		if ack == domain.AckQueued {
			s.queue.Push(cnpj)
		}
		observability.JobsEnqueuedTotal.WithLabelValues(string(ack)).Inc()
		results = append(results, SubmitResult{CNPJ: cnpj, Status: ack})
	}
	return results, nil
}

// JobView is the API shape of one job row.
type JobView struct {
	CNPJ         string    `json:"cnpj"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Status is the aggregate pipeline view for GET /v1/status.
type Status struct {
	Counts    domain.StatusCounts            `json:"counts"`
	QueueLen  int                            `json:"queue_length"`
	Inflight  int                            `json:"inflight"`
	Providers []ratelimiter.ProviderSnapshot `json:"providers"`
	Recent    []JobView                      `json:"recent_jobs"`
}

// StatusSnapshot assembles durable counts, queue occupancy, limiter state and
// the most recently touched jobs.
func (s *Supervisor) StatusSnapshot(ctx context.Context) (Status, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	jobs, err := s.store.RecentJobs(ctx, recentJobsLimit)
	if err != nil {
		return Status{}, err
	}
	recent := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		recent = append(recent, JobView{
			CNPJ:         j.CNPJ,
			Status:       string(j.Status),
			ErrorMessage: j.ErrorMessage,
			RetryCount:   j.RetryCount,
			UpdatedAt:    j.UpdatedAt,
		})
	}
	return Status{
		Counts:    counts,
		QueueLen:  s.queue.Len(),
		Inflight:  s.workers.Inflight(),
		Providers: s.limiter.Snapshot(),
		Recent:    recent,
	}, nil
}

// RestartResult reports what a queue restart touched.
type RestartResult struct {
	Restarted   bool  `json:"restarted"`
	ResetFailed int64 `json:"reset_failed"`
	Loaded      int   `json:"loaded_count"`
}

// RestartQueue reloads queued rows into memory, optionally flipping error and
// rate_limited rows back to queued first. Safe to call repeatedly; restarts
// are serialized.
func (s *Supervisor) RestartQueue(ctx context.Context, includeErrors bool) (RestartResult, error) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	var reset int64
	if includeErrors {
		n, err := s.store.ResetFailed(ctx)
		if err != nil {
			return RestartResult{}, err
		}
		reset = n
	}
	loaded, err := s.loadPending(ctx)
	if err != nil {
		return RestartResult{}, err
	}
	slog.Info("queue restarted",
		slog.Bool("include_errors", includeErrors),
		slog.Int64("reset_failed", reset),
		slog.Int("loaded", loaded))
	return RestartResult{Restarted: true, ResetFailed: reset, Loaded: loaded}, nil
}

// CleanupResult reports duplicate rows removed per table.
type CleanupResult struct {
	JobsRemoved      int64 `json:"jobs_removed"`
	CompaniesRemoved int64 `json:"companies_removed"`
}

// CleanupDuplicates drops all but the newest row per CNPJ in both tables.
func (s *Supervisor) CleanupDuplicates(ctx context.Context) (CleanupResult, error) {
	jobs, companies, err := s.store.DedupeDuplicates(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	return CleanupResult{JobsRemoved: jobs, CompaniesRemoved: companies}, nil
}

func (s *Supervisor) loadPending(ctx context.Context) (int, error) {
	cnpjs, err := s.store.LoadPending(ctx, 0)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for _, cnpj := range cnpjs {
		if s.queue.Push(cnpj) {
			pushed++
		}
	}
	return pushed, nil
}
