// Package resilience provides the retryable-operation wrapper and the
// per-source circuit breaker used around browser and HTTP calls.
package resilience

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(err error) bool

// Policy parameterizes Do and DoValue.
type Policy struct {
	// MaxAttempts includes the first try. Values below 1 mean one attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Multiplier scales the delay after each failed attempt (default 2).
	Multiplier float64
	// Jitter spreads each delay by up to +/- this fraction.
	Jitter float64
	// ShouldRetry defaults to IsTransient.
	ShouldRetry Classifier
	// OnRetry is invoked before sleeping with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ConnectPolicy is the browser connect schedule: 3 attempts, 1s then 2s.
func ConnectPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		ShouldRetry:    func(error) bool { return true },
	}
}

// OperationPolicy retries a browser operation once on connection-class failures.
func OperationPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		ShouldRetry: IsConnectionError,
	}
}

// Do runs fn until it succeeds, the classifier rejects the error, attempts
// run out, or ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil || !p.ShouldRetry(err) || attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		if sleepErr := p.Sleep(ctx, delay); sleepErr != nil {
			break
		}
	}
	return zero, lastErr
}

// Backoff returns the delay after the given zero-based failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if p.InitialBackoff <= 0 {
		return 0
	}
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		spread := delay * p.Jitter
		delay = delay - spread + float64(randomDuration(time.Duration(2*spread)))
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = IsTransient
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
