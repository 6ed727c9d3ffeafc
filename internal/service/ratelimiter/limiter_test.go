package ratelimiter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-gateway/internal/service/ratelimiter"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestLimiter_BucketExhaustionAndRetryAfter(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: 3,
		RefillTokens:   3,
		RefillInterval: time.Minute,
		GlobalLimit:    100,
		MaxInFlight:    100,
		Now:            clk.Now,
	})

	for i := 0; i < 3; i++ {
		adm := l.Allow("alice")
		require.True(t, adm.Allowed, "admission %d", i)
		l.Release()
	}
	adm := l.Allow("alice")
	assert.False(t, adm.Allowed)
	assert.Greater(t, adm.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, adm.RetryAfter, time.Minute)
}

func TestLimiter_TokensNeverExceedCapacity(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: 5,
		RefillTokens:   5,
		RefillInterval: time.Minute,
		Now:            clk.Now,
	})

	adm := l.Allow("bob")
	require.True(t, adm.Allowed)
	l.Release()

	// A long idle period credits many intervals but the bucket clamps.
	clk.Advance(time.Hour)
	assert.Equal(t, 5.0, l.Tokens("bob"))
}

func TestLimiter_LazyRefillWholeIntervals(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: 4,
		RefillTokens:   1,
		RefillInterval: time.Minute,
		Now:            clk.Now,
	})

	for i := 0; i < 4; i++ {
		require.True(t, l.Allow("carol").Allowed)
		l.Release()
	}
	assert.Equal(t, 0.0, l.Tokens("carol"))

	// Under one interval: no credit.
	clk.Advance(59 * time.Second)
	assert.Equal(t, 0.0, l.Tokens("carol"))

	// Two whole intervals elapsed credit two tokens, not a fraction.
	clk.Advance(61 * time.Second)
	assert.Equal(t, 2.0, l.Tokens("carol"))
}

func TestLimiter_GlobalWindowCeiling(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: 100,
		RefillTokens:   100,
		RefillInterval: time.Minute,
		GlobalWindow:   time.Minute,
		GlobalLimit:    2,
		MaxInFlight:    100,
		Now:            clk.Now,
	})

	require.True(t, l.Allow("a").Allowed)
	l.Release()
	require.True(t, l.Allow("b").Allowed)
	l.Release()

	// Third principal still has private tokens but the system is saturated.
	adm := l.Allow("c")
	assert.False(t, adm.Allowed)

	clk.Advance(61 * time.Second)
	assert.True(t, l.Allow("c").Allowed)
	l.Release()
}

func TestLimiter_InFlightCap(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: 10,
		GlobalLimit:    100,
		MaxInFlight:    2,
		Now:            clk.Now,
	})

	require.True(t, l.Allow("a").Allowed)
	require.True(t, l.Allow("b").Allowed)
	assert.False(t, l.Allow("c").Allowed)

	l.Release()
	assert.True(t, l.Allow("c").Allowed)
}

func TestLimiter_ReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()
	l := ratelimiter.New(ratelimiter.Options{MaxInFlight: 1})
	l.Release()
	l.Release()
	assert.Equal(t, 0, l.InFlight())

	require.True(t, l.Allow("a").Allowed)
	assert.Equal(t, 1, l.InFlight())
}

func TestLimiter_ResetRestoresFullBucket(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: 1,
		RefillTokens:   1,
		RefillInterval: time.Hour,
		Now:            clk.Now,
	})

	require.True(t, l.Allow("dave").Allowed)
	l.Release()
	assert.False(t, l.Allow("dave").Allowed)

	l.Reset("dave")
	assert.True(t, l.Allow("dave").Allowed)
	l.Release()
}

func TestLimiter_SweepRemovesIdleBuckets(t *testing.T) {
	t.Parallel()
	clk := newClock()
	l := ratelimiter.New(ratelimiter.Options{
		BucketCapacity: 5,
		RefillInterval: time.Minute,
		Now:            clk.Now,
	})

	require.True(t, l.Allow("idle").Allowed)
	l.Release()

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, l.Sweep(time.Hour))
	assert.Equal(t, 0, l.Sweep(time.Hour))
}
