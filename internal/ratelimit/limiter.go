// Package ratelimit implements a per-key token-bucket limiter over
// golang.org/x/time/rate, used to throttle outbound calls to a single
// provider endpoint without starving others sharing the process.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limits declares the three window constraints a provider may publish;
// the limiter collapses them into one effective per-second rate.
type Limits struct {
	PerSecond float64
	PerMinute float64
	PerHour   float64
	Burst     int
}

// EffectiveRPS returns the binding rate across all three windows.
func (l Limits) EffectiveRPS() float64 {
	rps := l.PerSecond
	if l.PerMinute > 0 {
		if v := l.PerMinute / 60; rps == 0 || v < rps {
			rps = v
		}
	}
	if l.PerHour > 0 {
		if v := l.PerHour / 3600; rps == 0 || v < rps {
			rps = v
		}
	}
	return rps
}

// Limiter is a keyed collection of token-bucket limiters, one per
// provider/key combination.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	limits   map[string]Limits
}

// New creates an empty keyed rate limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limits:  make(map[string]Limits),
	}
}

// Configure sets (or replaces) the limits for a key. Existing
// reservations in flight are unaffected; new calls use the new rate.
func (l *Limiter) Configure(key string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	burst := limits.Burst
	if burst < 1 {
		burst = 1
	}
	l.limits[key] = limits
	l.buckets[key] = rate.NewLimiter(rate.Limit(limits.EffectiveRPS()), burst)
}

// WaitToken blocks until a token for key is available or ctx is
// cancelled.
func (l *Limiter) WaitToken(ctx context.Context, key string) error {
	b := l.getOrDefault(key)
	return b.Wait(ctx)
}

// CanMakeRequest reports, without blocking or consuming a token,
// whether a request could be made immediately.
func (l *Limiter) CanMakeRequest(key string) bool {
	b := l.getOrDefault(key)
	return b.Tokens() >= 1
}

// Status is a point-in-time snapshot of a key's bucket.
type Status struct {
	AvailableTokens float64
	Burst           int
	EffectiveRPS    float64
}

// GetStatus returns the current state of key's bucket.
func (l *Limiter) GetStatus(key string) Status {
	l.mu.Lock()
	limits := l.limits[key]
	l.mu.Unlock()

	b := l.getOrDefault(key)
	return Status{
		AvailableTokens: b.Tokens(),
		Burst:           b.Burst(),
		EffectiveRPS:    limits.EffectiveRPS(),
	}
}

// Reset removes all limiter state for key; the next call reconfigures
// it from scratch via Configure, or from an ad-hoc default if never
// configured.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	delete(l.limits, key)
}

func (l *Limiter) getOrDefault(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Inf, 1)
		l.buckets[key] = b
	}
	return b
}

// WithScopedLimit temporarily swaps the limiter used for key while fn
// runs, restoring the previous configuration on every exit path
// (success, error, or panic).
func (l *Limiter) WithScopedLimit(key string, scoped Limits, fn func() error) error {
	l.mu.Lock()
	prevLimits, hadPrev := l.limits[key]
	l.mu.Unlock()

	l.Configure(key, scoped)
	defer func() {
		if hadPrev {
			l.Configure(key, prevLimits)
		} else {
			l.Reset(key)
		}
	}()

	return fn()
}
