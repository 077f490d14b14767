// Package queue holds the in-process FIFO of CNPJs awaiting enrichment and
// the background loops that drain, rescue and refill it. Durable state lives
// in PostgreSQL; the queue only carries identifiers.
package queue

import (
	"context"
	"sync"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
)

// JobQueue is a deduplicating FIFO of CNPJs. A CNPJ already waiting is not
// enqueued twice; once popped it may be pushed again.
type JobQueue struct {
	mu      sync.Mutex
	items   []string
	members map[string]struct{}
	notify  chan struct{}
}

// NewJobQueue returns an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{
		members: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Push appends cnpj unless it is already waiting. Reports whether it was added.
func (q *JobQueue) Push(cnpj string) bool {
	q.mu.Lock()
	if _, ok := q.members[cnpj]; ok {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, cnpj)
	q.members[cnpj] = struct{}{}
	observability.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available or ctx is done.
func (q *JobQueue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cnpj := q.items[0]
			q.items = q.items[1:]
			delete(q.members, cnpj)
			observability.QueueDepth.Set(float64(len(q.items)))
			q.mu.Unlock()
			return cnpj, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.notify:
		}
	}
}

// Len reports how many CNPJs are waiting.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Contains reports whether cnpj is currently waiting.
func (q *JobQueue) Contains(cnpj string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[cnpj]
	return ok
}
