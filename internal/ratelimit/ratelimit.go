// Package ratelimit bounds how fast a single API key can drive the
// gateway. Charges are weighted: provisioning a sandbox or running a
// command consumes real backend capacity, so the gateway bills those
// heavier than a status poll. Thread-safe, no background goroutines —
// budgets refill lazily on each charge.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// pruneAfter is how long a key may sit idle before its bucket is
// dropped. An idle bucket has refilled completely, so the next request
// starts from a full budget either way.
const pruneAfter = 10 * time.Minute

// Config configures the per-key budget.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Maximum budget. 0 = defaults to RequestsPerMinute.
}

// Limiter tracks one token budget per API key; one caller cannot
// exhaust another's quota.
type Limiter struct {
	rate  float64 // tokens per second
	burst float64 // budget ceiling

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	level   float64
	updated time.Time
}

// refill credits tokens for the time elapsed since the last charge,
// capped at the budget ceiling.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.level += now.Sub(b.updated).Seconds() * rate
	if b.level > burst {
		b.level = burst
	}
	b.updated = now
}

// NewLimiter creates a limiter. RequestsPerMinute == 0 disables
// limiting: every charge succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
		lastPrune: time.Now(),
	}
}

// Allow charges one token against the key's budget.
func (l *Limiter) Allow(key string) error {
	return l.AllowN(key, 1)
}

// AllowN charges cost tokens against the key's budget, all or nothing.
// A cost below one is billed as one. A cost above the budget ceiling can
// never be afforded and always returns ErrRateLimited.
func (l *Limiter) AllowN(key string, cost int) error {
	if l.rate <= 0 {
		return nil
	}
	if cost < 1 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	b, ok := l.buckets[key]
	if !ok {
		// First request: the key starts with a full budget.
		b = &bucket{level: l.burst, updated: now}
		l.buckets[key] = b
	}
	b.refill(now, l.rate, l.burst)

	if b.level < float64(cost) {
		return ErrRateLimited
	}
	b.level -= float64(cost)
	return nil
}

// prune drops buckets idle past the prune window. Runs at most once per
// window, under the limiter lock.
func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < pruneAfter {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.updated) >= pruneAfter {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}
