package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// Selection score weights. Token headroom and recency dominate; the error
// factor nudges traffic away from flaky providers; jitter breaks ties.
const (
	weightTokens  = 0.40
	weightRecency = 0.40
	weightErrors  = 0.15
	jitterSpan    = 0.05

	successesPerSafetyStep = 10
	safetyStepUp           = 0.05
	safetyStepDown         = 0.10
)

// Options tune the adaptive limiter.
type Options struct {
	// SafetyLow is the initial factor for providers at or below Threshold
	// requests per minute; SafetyHigh for everyone else.
	SafetyLow    float64
	SafetyHigh   float64
	Threshold    int
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// DefaultOptions mirror the production tuning for free-tier registry APIs.
func DefaultOptions() Options {
	return Options{
		SafetyLow:    0.7,
		SafetyHigh:   0.8,
		Threshold:    3,
		CooldownBase: 60 * time.Second,
		CooldownMax:  300 * time.Second,
	}
}

type providerState struct {
	spec                 domain.ProviderSpec
	bucket               *TokenBucket
	lastUsed             time.Time
	cooldownUntil        time.Time
	consecutiveErrors    int
	consecutiveSuccesses int
}

// AdaptiveRateLimiter owns one bucket per provider, picks the best provider
// for the next request and adjusts safety factors from call feedback. All
// state is in-memory and guarded by a single mutex.
type AdaptiveRateLimiter struct {
	mu         sync.Mutex
	providers  map[string]*providerState
	totalLimit int
	opts       Options

	now    func() time.Time
	jitter func() float64
}

// New registers the enabled providers and seeds their safety factors.
func New(specs []domain.ProviderSpec, opts Options) *AdaptiveRateLimiter {
	l := &AdaptiveRateLimiter{
		providers: make(map[string]*providerState),
		opts:      opts,
		now:       time.Now,
		jitter:    func() float64 { return rand.Float64() * jitterSpan },
	}
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		safety := opts.SafetyHigh
		if spec.LimitPerMinute <= opts.Threshold {
			safety = opts.SafetyLow
		}
		l.providers[spec.Name] = &providerState{
			spec:   spec,
			bucket: NewTokenBucket(spec.LimitPerMinute, safety, l.now()),
		}
		l.totalLimit += spec.LimitPerMinute
		slog.Info("provider registered",
			slog.String("provider", spec.Name),
			slog.Int("limit_per_minute", spec.LimitPerMinute),
			slog.Float64("safety_factor", safety))
	}
	return l
}

// TotalLimitPerMinute is the sum of the enabled providers' declared limits.
func (l *AdaptiveRateLimiter) TotalLimitPerMinute() int {
	return l.totalLimit
}

// ProviderNames lists the enabled providers.
func (l *AdaptiveRateLimiter) ProviderNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.providers))
	for name := range l.providers {
		names = append(names, name)
	}
	return names
}

// PickProvider returns the best provider with a full token among candidates,
// or "" when none qualifies. An empty candidate list means all providers.
// Picking does not consume; callers must Consume the returned provider before
// issuing the request.
func (l *AdaptiveRateLimiter) PickProvider(candidates ...string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pickLocked(l.candidateSet(candidates))
}

func (l *AdaptiveRateLimiter) candidateSet(candidates []string) map[string]struct{} {
	if len(candidates) == 0 {
		return nil // nil means "everyone"
	}
	set := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		set[c] = struct{}{}
	}
	return set
}

func (l *AdaptiveRateLimiter) pickLocked(candidates map[string]struct{}) string {
	now := l.now()
	best := ""
	bestScore := math.Inf(-1)
	for name, st := range l.providers {
		if candidates != nil {
			if _, ok := candidates[name]; !ok {
				continue
			}
		}
		if now.Before(st.cooldownUntil) {
			continue
		}
		tokens, capacity, _ := st.bucket.Peek(now)
		observability.ProviderTokens.WithLabelValues(name).Set(tokens)
		if tokens < 1 {
			continue
		}

		tokenScore := tokens / capacity
		timeScore := 1.0
		if !st.lastUsed.IsZero() {
			timeScore = math.Min(1, now.Sub(st.lastUsed).Seconds()/60.0)
		}
		errorFactor := 1.0 / (1.0 + float64(st.consecutiveErrors))
		score := weightTokens*tokenScore + weightRecency*timeScore + weightErrors*errorFactor + l.jitter()

		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	return best
}

// Consume takes one token from the provider's bucket and marks it used now.
// It reports false when the bucket is empty, which happens when another
// worker drained it between pick and consume; callers should re-pick.
func (l *AdaptiveRateLimiter) Consume(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.providers[name]
	if !ok {
		return false
	}
	now := l.now()
	if !st.bucket.TryTake(now) {
		slog.Debug("consume lost the token race", slog.String("provider", name))
		return false
	}
	st.lastUsed = now
	return true
}

// OnSuccess resets the error streak and gradually relaxes the safety factor
// after sustained success.
func (l *AdaptiveRateLimiter) OnSuccess(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.providers[name]
	if !ok {
		return
	}
	st.consecutiveErrors = 0
	st.consecutiveSuccesses++
	if st.consecutiveSuccesses%successesPerSafetyStep == 0 {
		st.bucket.AdjustSafety(safetyStepUp)
		slog.Info("safety factor raised",
			slog.String("provider", name),
			slog.Float64("safety_factor", st.bucket.Safety()))
	}
}

// OnRateLimited tightens the safety factor and puts the provider in an
// exponentially growing cooldown.
func (l *AdaptiveRateLimiter) OnRateLimited(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.providers[name]
	if !ok {
		return
	}
	st.bucket.AdjustSafety(-safetyStepDown)
	l.cooldownLocked(name, st)
	slog.Warn("provider rate limited",
		slog.String("provider", name),
		slog.Time("cooldown_until", st.cooldownUntil),
		slog.Float64("safety_factor", st.bucket.Safety()))
}

// OnTransientError cools the provider down without touching its safety
// factor; the declared limit was not the problem.
func (l *AdaptiveRateLimiter) OnTransientError(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.providers[name]
	if !ok {
		return
	}
	l.cooldownLocked(name, st)
	slog.Warn("provider transient error",
		slog.String("provider", name),
		slog.Time("cooldown_until", st.cooldownUntil))
}

func (l *AdaptiveRateLimiter) cooldownLocked(name string, st *providerState) {
	st.consecutiveErrors++
	st.consecutiveSuccesses = 0
	exp := st.consecutiveErrors - 1
	if exp > 8 { // 2^8 already exceeds any sane cooldown cap
		exp = 8
	}
	cooldown := l.opts.CooldownBase << exp
	if cooldown > l.opts.CooldownMax {
		cooldown = l.opts.CooldownMax
	}
	st.cooldownUntil = l.now().Add(cooldown)
	observability.ProviderCooldownsTotal.WithLabelValues(name).Inc()
}

// WaitForAny blocks until a provider becomes pickable or the timeout/ctx
// expires, returning the provider name or "". It wakes on the earliest bucket
// refill or cooldown expiry among the candidates.
func (l *AdaptiveRateLimiter) WaitForAny(ctx context.Context, timeout time.Duration, candidates ...string) string {
	deadline := l.now().Add(timeout)
	set := l.candidateSet(candidates)
	for {
		l.mu.Lock()
		if name := l.pickLocked(set); name != "" {
			l.mu.Unlock()
			return name
		}
		wait := l.nextWakeLocked(set)
		l.mu.Unlock()

		now := l.now()
		if !now.Before(deadline) {
			return ""
		}
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ""
		case <-timer.C:
		}
	}
}

// nextWakeLocked finds the shortest interval after which some candidate could
// become pickable. A small buffer avoids busy re-checking.
func (l *AdaptiveRateLimiter) nextWakeLocked(candidates map[string]struct{}) time.Duration {
	now := l.now()
	min := time.Duration(math.MaxInt64)
	for name, st := range l.providers {
		if candidates != nil {
			if _, ok := candidates[name]; !ok {
				continue
			}
		}
		var wait time.Duration
		if now.Before(st.cooldownUntil) {
			wait = st.cooldownUntil.Sub(now)
		} else {
			wait = st.bucket.TimeUntilAvailable(now)
		}
		if wait < min {
			min = wait
		}
	}
	if min == time.Duration(math.MaxInt64) || min <= 0 {
		min = 100 * time.Millisecond
	}
	wait := min + 100*time.Millisecond
	if wait > time.Second {
		wait = time.Second
	}
	return wait
}

// ProviderSnapshot exposes limiter internals for the status surface.
type ProviderSnapshot struct {
	Name              string    `json:"name"`
	LimitPerMinute    int       `json:"limit_per_minute"`
	Tokens            float64   `json:"tokens"`
	EffectiveCapacity float64   `json:"effective_capacity"`
	SafetyFactor      float64   `json:"safety_factor"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// Snapshot returns the current state of every provider.
func (l *AdaptiveRateLimiter) Snapshot() []ProviderSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]ProviderSnapshot, 0, len(l.providers))
	for name, st := range l.providers {
		tokens, capacity, _ := st.bucket.Peek(now)
		out = append(out, ProviderSnapshot{
			Name:              name,
			LimitPerMinute:    st.spec.LimitPerMinute,
			Tokens:            tokens,
			EffectiveCapacity: capacity,
			SafetyFactor:      st.bucket.Safety(),
			CooldownUntil:     st.cooldownUntil,
			ConsecutiveErrors: st.consecutiveErrors,
		})
	}
	return out
}
