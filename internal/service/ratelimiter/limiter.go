// Package ratelimiter implements admission control for generation requests:
// a lazy-refill token bucket per principal, a system-wide sliding window, and
// a hard cap on in-flight generation attempts.
package ratelimiter

import (
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Options configures a Limiter.
type Options struct {
	// BucketCapacity is the maximum token count per principal.
	BucketCapacity int
	// RefillTokens are added per elapsed RefillInterval, computed lazily.
	RefillTokens int
	// RefillInterval is the fixed refill period T.
	RefillInterval time.Duration
	// GlobalWindow bounds the trailing window for the system-wide ceiling.
	GlobalWindow time.Duration
	// GlobalLimit is the maximum admissions inside GlobalWindow.
	GlobalLimit int
	// MaxInFlight caps concurrently in-flight generation attempts.
	MaxInFlight int
	// Now defaults to time.Now.
	Now Clock
}

// Admission is the result of an admission check. Denial is not an error;
// RetryAfter tells the caller how long to wait.
type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is safe for concurrent use. All three admission checks are
// evaluated and the token consumed under one lock, so the decision is atomic.
type Limiter struct {
	opts Options
	now  Clock

	mu       sync.Mutex
	buckets  map[string]*bucket
	window   []time.Time
	inFlight int
}

// New constructs a Limiter. Zero or negative option values fall back to
// permissive defaults so a partially configured limiter never deadlocks.
func New(opts Options) *Limiter {
	if opts.BucketCapacity <= 0 {
		opts.BucketCapacity = 5
	}
	if opts.RefillTokens <= 0 {
		opts.RefillTokens = opts.BucketCapacity
	}
	if opts.RefillInterval <= 0 {
		opts.RefillInterval = time.Minute
	}
	if opts.GlobalWindow <= 0 {
		opts.GlobalWindow = time.Minute
	}
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = 60
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 8
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		opts:    opts,
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

// Allow runs admission control for principalID. On an allowed admission the
// caller holds one in-flight slot until it calls Release.
func (l *Limiter) Allow(principalID string) Admission {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[principalID]
	if !ok {
		b = &bucket{tokens: float64(l.opts.BucketCapacity), lastRefill: now}
		l.buckets[principalID] = b
	}
	l.refillLocked(b, now)

	if b.tokens < 1 {
		wait := l.opts.RefillInterval - now.Sub(b.lastRefill)
		if wait < 0 {
			wait = 0
		}
		return Admission{RetryAfter: wait}
	}

	l.pruneWindowLocked(now)
	if len(l.window) >= l.opts.GlobalLimit {
		wait := l.window[0].Add(l.opts.GlobalWindow).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Admission{RetryAfter: wait}
	}

	if l.inFlight >= l.opts.MaxInFlight {
		return Admission{RetryAfter: l.opts.RefillInterval}
	}

	// All checks passed: consume atomically with the decision.
	b.tokens--
	l.window = append(l.window, now)
	l.inFlight++
	return Admission{Allowed: true}
}

// Release returns one in-flight slot. It is idempotent-safe: the counter
// never goes below zero.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// Reset drops the bucket for principalID, used on state-corruption recovery.
func (l *Limiter) Reset(principalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, principalID)
}

// InFlight reports the current number of held slots.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Sweep removes buckets idle longer than maxIdle and prunes the global
// window. It returns the number of buckets removed.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) > maxIdle {
			delete(l.buckets, id)
			removed++
		}
	}
	l.pruneWindowLocked(now)
	if removed > 0 {
		slog.Debug("rate limiter sweep", slog.Int("removed_buckets", removed))
	}
	return removed
}

// refillLocked applies lazy refill: whole elapsed intervals credit
// RefillTokens each, clamped to capacity. lastRefill advances only by whole
// intervals so partial progress toward the next refill is kept.
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < l.opts.RefillInterval {
		return
	}
	intervals := int64(elapsed / l.opts.RefillInterval)
	b.tokens += float64(intervals * int64(l.opts.RefillTokens))
	if b.tokens > float64(l.opts.BucketCapacity) {
		b.tokens = float64(l.opts.BucketCapacity)
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * l.opts.RefillInterval)
}

func (l *Limiter) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-l.opts.GlobalWindow)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// Tokens reports the current token count for principalID after lazy refill.
// Intended for diagnostics and tests.
func (l *Limiter) Tokens(principalID string) float64 {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[principalID]
	if !ok {
		return float64(l.opts.BucketCapacity)
	}
	l.refillLocked(b, now)
	return b.tokens
}
