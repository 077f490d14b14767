package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

func testSpecs() []domain.ProviderSpec {
	return []domain.ProviderSpec{
		{Name: "receitaws", LimitPerMinute: 3, Enabled: true},
		{Name: "cnpjws", LimitPerMinute: 3, Enabled: true},
		{Name: "cnpja_open", LimitPerMinute: 5, Enabled: true},
	}
}

// newTestLimiter pins the clock and zeroes the jitter so selection is
// deterministic.
func newTestLimiter(t *testing.T) (*AdaptiveRateLimiter, *time.Time) {
	t.Helper()
	l := New(testSpecs(), DefaultOptions())
	base := time.Now()
	l.now = func() time.Time { return base }
	l.jitter = func() float64 { return 0 }
	return l, &base
}

func advance(l *AdaptiveRateLimiter, clock *time.Time, d time.Duration) {
	*clock = clock.Add(d)
	now := *clock
	l.now = func() time.Time { return now }
}

func TestNewSeedsSafetyByThreshold(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	for _, snap := range l.Snapshot() {
		switch snap.Name {
		case "receitaws", "cnpjws":
			assert.Equal(t, 0.7, snap.SafetyFactor, snap.Name)
		case "cnpja_open":
			assert.Equal(t, 0.8, snap.SafetyFactor, snap.Name)
		}
	}
	assert.Equal(t, 11, l.TotalLimitPerMinute())
}

func TestPickPrefersFullestIdleBucket(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	// cnpja_open has capacity 4 vs 2 for the others; all idle and full, so
	// the token score ties at 1.0 and recency ties at 1.0. Drain it partly
	// and it should lose.
	l.Consume("cnpja_open")
	l.Consume("cnpja_open")
	l.Consume("cnpja_open")

	got := l.PickProvider()
	assert.Contains(t, []string{"receitaws", "cnpjws"}, got)
}

func TestPickSkipsEmptyBucket(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	// Capacity 2 for receitaws; a drained bucket is never picked.
	l.Consume("receitaws")
	l.Consume("receitaws")
	assert.Equal(t, "", l.PickProvider("receitaws"))
}

func TestPickSkipsCooledDownUntilExpiry(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(t)

	// Two strikes give receitaws and cnpjws 120s of cooldown; one rate limit
	// gives cnpja_open 60s.
	for _, name := range []string{"receitaws", "cnpjws"} {
		l.OnTransientError(name)
		l.OnTransientError(name)
	}
	l.OnRateLimited("cnpja_open")

	assert.Equal(t, "", l.PickProvider())

	// Only cnpja_open's cooldown has lapsed at +61s.
	advance(l, clock, 61*time.Second)
	assert.Equal(t, "cnpja_open", l.PickProvider())
}

func TestOnRateLimitedTightensSafety(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	l.OnRateLimited("cnpja_open")
	for _, snap := range l.Snapshot() {
		if snap.Name == "cnpja_open" {
			assert.InDelta(t, 0.7, snap.SafetyFactor, 1e-9)
			assert.Equal(t, 1, snap.ConsecutiveErrors)
		}
	}
}

func TestSustainedSuccessRelaxesSafety(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		l.OnSuccess("receitaws")
	}
	for _, snap := range l.Snapshot() {
		if snap.Name == "receitaws" {
			assert.InDelta(t, 0.75, snap.SafetyFactor, 1e-9)
		}
	}
}

func TestCooldownEscalatesAndCaps(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(t)

	st := l.providers["receitaws"]

	l.OnTransientError("receitaws")
	assert.Equal(t, clock.Add(60*time.Second), st.cooldownUntil)

	l.OnTransientError("receitaws")
	assert.Equal(t, clock.Add(120*time.Second), st.cooldownUntil)

	l.OnTransientError("receitaws")
	assert.Equal(t, clock.Add(240*time.Second), st.cooldownUntil)

	// 2^3*60s = 480s exceeds the 300s cap.
	l.OnTransientError("receitaws")
	assert.Equal(t, clock.Add(300*time.Second), st.cooldownUntil)

	// Success resets the streak.
	l.OnSuccess("receitaws")
	l.OnTransientError("receitaws")
	assert.Equal(t, clock.Add(60*time.Second), st.cooldownUntil)
}

func TestWaitForAnyReturnsImmediatelyWhenAvailable(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	got := l.WaitForAny(context.Background(), time.Second)
	assert.NotEqual(t, "", got)
}

func TestWaitForAnyTimesOut(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	for _, name := range l.ProviderNames() {
		l.OnRateLimited(name)
	}
	got := l.WaitForAny(context.Background(), 0)
	assert.Equal(t, "", got)
}

func TestWaitForAnyHonorsContext(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)
	for _, name := range l.ProviderNames() {
		l.OnRateLimited(name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	got := l.WaitForAny(ctx, time.Hour)
	assert.Equal(t, "", got)
}

func TestConsumeTakesOneToken(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	assert.True(t, l.Consume("receitaws"))
	for _, snap := range l.Snapshot() {
		if snap.Name == "receitaws" {
			require.Equal(t, 1.0, snap.Tokens)
		}
	}
}

func TestConsumeReportsLostTokenRace(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	// Capacity 2 for receitaws; the third take finds the bucket drained.
	assert.True(t, l.Consume("receitaws"))
	assert.True(t, l.Consume("receitaws"))
	assert.False(t, l.Consume("receitaws"))
	assert.False(t, l.Consume("unknown"))
}

func TestDisabledProvidersAreNotRegistered(t *testing.T) {
	t.Parallel()
	specs := testSpecs()
	specs[1].Enabled = false
	l := New(specs, DefaultOptions())
	assert.ElementsMatch(t, []string{"receitaws", "cnpja_open"}, l.ProviderNames())
	assert.Equal(t, 8, l.TotalLimitPerMinute())
}
