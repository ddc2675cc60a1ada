// Package ratelimit implements per-source token buckets so ingestion honors
// each county site's declared request rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/parcel-ingest/internal/metrics"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Limiter manages per-source rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]parcel.RateLimit
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. Sources without their own limit share the
// default rate, each in its own bucket.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    make(map[string]parcel.RateLimit),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Configure sets the bucket for source from its declared rate limit. A zero
// rate keeps the default. Reconfiguring replaces the bucket.
func (l *Limiter) Configure(source string, rl parcel.RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[source] = rl
	delete(l.limiters, source)
}

// Wait blocks until a token is available for source, respecting the context.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	limiter := l.bucket(source)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, waited)
	}
	return nil
}

// Allow reports whether a token is available right now and consumes it.
func (l *Limiter) Allow(source string) bool {
	return l.bucket(source).Allow()
}

func (l *Limiter) bucket(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[source]; ok {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if rl, ok := l.overrides[source]; ok && rl.RequestsPerSecond > 0 {
		r = rate.Limit(rl.RequestsPerSecond)
		burst = rl.Burst
		if burst <= 0 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(r, burst)
	l.limiters[source] = limiter
	return limiter
}
