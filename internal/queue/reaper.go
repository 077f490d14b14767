package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// Reaper rescues jobs stranded in processing, typically after a crash or an
// unclean shutdown, and feeds them back into the queue.
type Reaper struct {
	store     domain.JobStore
	queue     *JobQueue
	interval  time.Duration
	threshold time.Duration
}

// NewReaper wires a reaper that scans every interval for processing rows
// older than threshold.
func NewReaper(store domain.JobStore, q *JobQueue, interval, threshold time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 3 * time.Minute
	}
	return &Reaper{store: store, queue: q, interval: interval, threshold: threshold}
}

// Run blocks scanning until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Sweep runs one rescue pass and reports how many jobs it recovered.
func (r *Reaper) Sweep(ctx context.Context) int { return r.sweep(ctx) }

func (r *Reaper) sweep(ctx context.Context) int {
	cnpjs, err := r.store.FindStuck(ctx, r.threshold)
	if err != nil {
		slog.Error("reaper sweep failed", slog.Any("error", err))
		return 0
	}
	if len(cnpjs) == 0 {
		return 0
	}
	for _, cnpj := range cnpjs {
		if r.queue.Push(cnpj) {
			observability.JobsRequeuedTotal.WithLabelValues("reaped").Inc()
		}
	}
	slog.Warn("rescued stuck jobs", slog.Int("count", len(cnpjs)),
		slog.Duration("threshold", r.threshold))
	return len(cnpjs)
}
