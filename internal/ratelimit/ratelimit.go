// Package ratelimit throttles tenant API traffic with per-key token buckets.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	rate       int
	lastRefill time.Time
	lastUsed   time.Time
}

// Limiter is a token-bucket limiter keyed by tenant ID. Each bucket holds
// up to rate tokens and refills at rate per window.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// Decision is the outcome of Take together with the quota headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Take consumes one token for key if one is available. A positive rate
// overrides the default for this key.
func (l *Limiter) Take(key string, rate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refilled(key, rate)
	d := Decision{Limit: b.rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = int(b.tokens)
	d.ResetAt = l.resetAt(b)
	return d
}

// Peek reports the quota for key without consuming a token.
func (l *Limiter) Peek(key string, rate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refilled(key, rate)
	return Decision{
		Allowed:   b.tokens >= 1,
		Limit:     b.rate,
		Remaining: int(b.tokens),
		ResetAt:   l.resetAt(b),
	}
}

// Sweep drops buckets that have been full and untouched for at least idle.
// It returns how many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= float64(b.rate) && now.Sub(b.lastUsed) >= idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// refilled returns the up-to-date bucket for key. Must be called with l.mu held.
func (l *Limiter) refilled(key string, rate int) *bucket {
	if rate <= 0 {
		rate = l.defaultRate
	}
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), rate: rate, lastRefill: now, lastUsed: now}
		l.buckets[key] = b
		return b
	}
	l.refill(b, now)
	b.lastUsed = now
	if b.rate != rate {
		b.rate = rate
		if b.tokens > float64(rate) {
			b.tokens = float64(rate)
		}
	}
	return b
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * float64(b.rate) / l.window.Seconds()
	if b.tokens > float64(b.rate) {
		b.tokens = float64(b.rate)
	}
	b.lastRefill = now
}

func (l *Limiter) resetAt(b *bucket) time.Time {
	deficit := float64(b.rate) - b.tokens
	if deficit <= 0 || b.rate == 0 {
		return b.lastRefill
	}
	perToken := l.window.Seconds() / float64(b.rate)
	return b.lastRefill.Add(time.Duration(deficit * perToken * float64(time.Second)))
}
