package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

func TestSweepRescuesStuckProcessing(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.put("11222333000181", domain.JobProcessing, 1)
	store.mu.Lock()
	store.jobs["11222333000181"].UpdatedAt = time.Now().Add(-10 * time.Minute)
	store.mu.Unlock()
	store.put("60701190000104", domain.JobProcessing, 0) // fresh, not stuck

	q := NewJobQueue()
	r := NewReaper(store, q, time.Minute, 3*time.Minute)

	rescued := r.Sweep(context.Background())
	assert.Equal(t, 1, rescued)
	assert.True(t, q.Contains("11222333000181"))
	assert.False(t, q.Contains("60701190000104"))
	assert.Equal(t, domain.JobQueued, store.job("11222333000181").Status)
}

func TestSweepNoopWhenNothingStuck(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.put("11222333000181", domain.JobQueued, 0)

	q := NewJobQueue()
	r := NewReaper(store, q, time.Minute, 3*time.Minute)
	assert.Equal(t, 0, r.Sweep(context.Background()))
	assert.Equal(t, 0, q.Len())
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	r := NewReaper(newMemStore(), NewJobQueue(), 10*time.Millisecond, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
