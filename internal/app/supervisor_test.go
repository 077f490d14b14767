package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
	"github.com/fairyhunter13/cnpj-enricher/internal/queue"
	"github.com/fairyhunter13/cnpj-enricher/internal/service/ratelimiter"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string]domain.JobStatus
	pending  []string
	reset    int64
	deduped  [2]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string]domain.JobStatus)}
}

func (f *fakeStore) Enqueue(_ context.Context, cnpj string) (domain.EnqueueAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.statuses[cnpj] {
	case domain.JobQueued, domain.JobProcessing:
		return domain.AckAlreadyPending, nil
	case domain.JobCompleted:
		return domain.AckAlreadyDone, nil
	}
	f.statuses[cnpj] = domain.JobQueued
	return domain.AckQueued, nil
}

func (f *fakeStore) Claim(_ context.Context, cnpj string) (domain.Job, bool, error) {
	return domain.Job{CNPJ: cnpj}, false, nil
}
func (f *fakeStore) MarkCompleted(context.Context, string, *domain.Company) error { return nil }
func (f *fakeStore) MarkError(context.Context, string, string) error              { return nil }
func (f *fakeStore) MarkRateLimited(context.Context, string, string) error        { return nil }
func (f *fakeStore) Requeue(context.Context, string, int) error                   { return nil }
func (f *fakeStore) FindStuck(context.Context, time.Duration) ([]string, error)   { return nil, nil }

func (f *fakeStore) LoadPending(context.Context, int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pending...), nil
}

func (f *fakeStore) ResetFailed(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reset, nil
}

func (f *fakeStore) CountByStatus(context.Context) (domain.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := domain.StatusCounts{}
	for _, st := range f.statuses {
		c.Total++
		if st == domain.JobQueued {
			c.Queued++
		}
	}
	return c, nil
}

func (f *fakeStore) RecentJobs(context.Context, int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for cnpj, st := range f.statuses {
		out = append(out, domain.Job{CNPJ: cnpj, Status: st})
	}
	return out, nil
}

func (f *fakeStore) DedupeDuplicates(context.Context) (int64, int64, error) {
	return f.deduped[0], f.deduped[1], nil
}

var _ domain.JobStore = (*fakeStore)(nil)

type noopLookup struct{}

func (noopLookup) Route(_ context.Context, cnpj string) (*domain.Company, error) {
	return &domain.Company{CNPJ: cnpj}, nil
}

func newTestSupervisor(store domain.JobStore, opts Options) (*Supervisor, *queue.JobQueue) {
	limiter := ratelimiter.New([]domain.ProviderSpec{
		{Name: "receitaws", LimitPerMinute: 3, Enabled: true},
	}, ratelimiter.DefaultOptions())
	q := queue.NewJobQueue()
	w := queue.NewWorkers(store, noopLookup{}, q, queue.Options{
		MaxConcurrent: 1, MaxRetries: 3, TotalLimitPerMinute: limiter.TotalLimitPerMinute(),
	})
	r := queue.NewReaper(store, q, time.Minute, 3*time.Minute)
	f := queue.NewRefiller(store, q, w, time.Minute, 100, limiter.TotalLimitPerMinute())
	return New(store, limiter, q, w, r, f, opts), q
}

func TestSubmitClassifiesEachCNPJ(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.statuses["60701190000104"] = domain.JobCompleted
	sup, q := newTestSupervisor(store, Options{})

	results, err := sup.Submit(context.Background(), []string{
		"11.222.333/0001-81", // fresh
		"not-a-cnpj",         // invalid
		"60701190000104",     // already completed
		"11222333000181",     // now pending from the first entry
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, domain.AckQueued, results[0].Status)
	assert.Equal(t, "11222333000181", results[0].CNPJ, "canonical form is echoed back")
	assert.Equal(t, domain.AckInvalid, results[1].Status)
	assert.Equal(t, domain.AckAlreadyDone, results[2].Status)
	assert.Equal(t, domain.AckAlreadyPending, results[3].Status)

	assert.True(t, q.Contains("11222333000181"), "queued CNPJs enter the in-memory queue")
	assert.Equal(t, 1, q.Len())
}

func TestRestartQueueReloadsPending(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.pending = []string{"11222333000181", "60701190000104"}
	store.reset = 5
	sup, q := newTestSupervisor(store, Options{})

	res, err := sup.RestartQueue(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.Restarted)
	assert.Equal(t, int64(5), res.ResetFailed)
	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, 2, q.Len())

	// Idempotent: a second restart finds everything already queued.
	res, err = sup.RestartQueue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.ResetFailed)
	assert.Equal(t, 0, res.Loaded)
}

func TestStatusSnapshotAggregates(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.statuses["11222333000181"] = domain.JobQueued
	sup, q := newTestSupervisor(store, Options{})
	q.Push("11222333000181")

	status, err := sup.StatusSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Counts.Total)
	assert.Equal(t, 1, status.QueueLen)
	assert.Equal(t, 0, status.Inflight)
	require.Len(t, status.Providers, 1)
	assert.Equal(t, "receitaws", status.Providers[0].Name)
	require.Len(t, status.Recent, 1)
	assert.Equal(t, "11222333000181", status.Recent[0].CNPJ)
}

func TestCleanupDuplicatesReportsCounts(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.deduped = [2]int64{3, 2}
	sup, _ := newTestSupervisor(store, Options{})

	res, err := sup.CleanupDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.JobsRemoved)
	assert.Equal(t, int64(2), res.CompaniesRemoved)
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.pending = []string{"11222333000181"}
	sup, q := newTestSupervisor(store, Options{AutoRestart: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Boot reload pushes the pending CNPJ before the loops settle in.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !q.Contains("11222333000181") {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
