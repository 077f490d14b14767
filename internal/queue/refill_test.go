package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

func TestFillLoadsQueuedRows(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.put("11222333000181", domain.JobQueued, 0)
	store.put("60701190000104", domain.JobQueued, 0)
	store.put("33000167000101", domain.JobCompleted, 0)

	q := NewJobQueue()
	w := NewWorkers(store, &stubLookup{}, q, fastOptions())
	f := NewRefiller(store, q, w, time.Minute, 100, 11)

	pushed := f.Fill(context.Background())
	assert.Equal(t, 2, pushed)
	assert.True(t, q.Contains("11222333000181"))
	assert.True(t, q.Contains("60701190000104"))
}

func TestFillSkipsAlreadyWaiting(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.put("11222333000181", domain.JobQueued, 0)

	q := NewJobQueue()
	q.Push("11222333000181")
	w := NewWorkers(store, &stubLookup{}, q, fastOptions())
	f := NewRefiller(store, q, w, time.Minute, 100, 11)

	assert.Equal(t, 0, f.Fill(context.Background()))
	assert.Equal(t, 1, q.Len())
}

func TestFillGateHoldsWhenQueueIsFullEnough(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.put("11222333000181", domain.JobQueued, 0)

	q := NewJobQueue()
	// Gate: occupancy must stay below 2 * total limit (2*1 = 2 here).
	q.Push("a")
	q.Push("b")
	w := NewWorkers(store, &stubLookup{}, q, fastOptions())
	f := NewRefiller(store, q, w, time.Minute, 100, 1)

	assert.Equal(t, 0, f.Fill(context.Background()))
	assert.False(t, q.Contains("11222333000181"))
}

func TestRefillerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	w := NewWorkers(store, &stubLookup{}, NewJobQueue(), fastOptions())
	f := NewRefiller(store, NewJobQueue(), w, 10*time.Millisecond, 100, 11)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("refiller did not stop")
	}
}
