package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveCapacityFloorsAndNeverZero(t *testing.T) {
	t.Parallel()
	now := time.Now()

	b := NewTokenBucket(3, 0.7, now)
	assert.Equal(t, 2.0, b.EffectiveCapacity()) // floor(3*0.7)=2

	b = NewTokenBucket(5, 0.8, now)
	assert.Equal(t, 4.0, b.EffectiveCapacity()) // floor(5*0.8)=4

	// A tiny limit shaded by the floor still admits one request.
	b = NewTokenBucket(1, 0.3, now)
	assert.Equal(t, 1.0, b.EffectiveCapacity())
}

func TestBucketStartsFullAndDrains(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewTokenBucket(3, 0.7, now)

	require.True(t, b.TryTake(now))
	require.True(t, b.TryTake(now))
	assert.False(t, b.TryTake(now), "capacity 2 admits exactly two immediate takes")
}

func TestRefillAccruesOverTime(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewTokenBucket(3, 0.7, now)
	b.TryTake(now)
	b.TryTake(now)

	// rate = 3*0.7/60 = 0.035 tokens/s; one token after ~28.6s.
	assert.False(t, b.TryTake(now.Add(20*time.Second)))
	assert.True(t, b.TryTake(now.Add(20*time.Second+30*time.Second)))
}

func TestRefillCapsAtEffectiveCapacity(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewTokenBucket(5, 0.8, now)
	tokens, capacity, _ := b.Peek(now.Add(time.Hour))
	assert.Equal(t, capacity, tokens)
}

func TestTimeUntilAvailable(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewTokenBucket(60, 1.0, now) // 1 token/s
	for i := 0; i < 60; i++ {
		require.True(t, b.TryTake(now))
	}
	wait := b.TimeUntilAvailable(now)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	b2 := NewTokenBucket(60, 1.0, now)
	assert.Equal(t, time.Duration(0), b2.TimeUntilAvailable(now))
}

func TestAdjustSafetyClampsBoundsAndTokens(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewTokenBucket(10, 0.8, now)

	for i := 0; i < 20; i++ {
		b.AdjustSafety(-0.1)
	}
	assert.Equal(t, SafetyFloor, b.Safety())

	for i := 0; i < 40; i++ {
		b.AdjustSafety(0.05)
	}
	assert.Equal(t, SafetyCeil, b.Safety())

	// Shrinking capacity re-clamps an overfull bucket.
	b2 := NewTokenBucket(10, 1.0, now)
	b2.AdjustSafety(-0.5)
	tokens, capacity, _ := b2.Peek(now)
	assert.Equal(t, capacity, tokens)
	assert.Equal(t, 5.0, capacity)
}
