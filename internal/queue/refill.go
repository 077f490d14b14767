package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// Refiller tops the in-memory queue up from durable queued rows. The gate
// keeps queued-plus-inflight below twice the combined per-minute budget so a
// restart with a large backlog does not balloon memory or pacing math.
type Refiller struct {
	store      domain.JobStore
	queue      *JobQueue
	workers    *Workers
	interval   time.Duration
	batchSize  int
	totalLimit int
}

// NewRefiller wires a refill loop running every interval.
func NewRefiller(store domain.JobStore, q *JobQueue, w *Workers, interval time.Duration, batchSize, totalLimitPerMinute int) *Refiller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if totalLimitPerMinute <= 0 {
		totalLimitPerMinute = 1
	}
	return &Refiller{
		store:      store,
		queue:      q,
		workers:    w,
		interval:   interval,
		batchSize:  batchSize,
		totalLimit: totalLimitPerMinute,
	}
}

// Run blocks refilling until ctx is cancelled.
func (r *Refiller) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.fill(ctx)
		}
	}
}

// Fill runs one refill pass and reports how many CNPJs were pushed.
func (r *Refiller) Fill(ctx context.Context) int { return r.fill(ctx) }

func (r *Refiller) fill(ctx context.Context) int {
	if r.queue.Len()+r.workers.Inflight() >= 2*r.totalLimit {
		return 0
	}

	limit := r.batchSize
	cnpjs, err := r.store.LoadPending(ctx, limit)
	if err != nil {
		slog.Error("refill load failed", slog.Any("error", err))
		return 0
	}
	pushed := 0
	for _, cnpj := range cnpjs {
		if r.queue.Push(cnpj) {
			pushed++
		}
	}
	if pushed > 0 {
		slog.Debug("refilled queue from database", slog.Int("pushed", pushed))
	}
	return pushed
}
