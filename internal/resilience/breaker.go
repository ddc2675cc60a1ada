package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned while a source is cooling down.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a source's breaker opens.
type BreakerConfig struct {
	// Threshold is the number of consecutive tripping failures that opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before a trial request is allowed.
	Cooldown time.Duration
	// ShouldTrip selects which failures count. Nil counts every error.
	ShouldTrip func(err error) bool
}

type breakerState struct {
	failures int
	openedAt time.Time
	open     bool
}

// Breakers tracks one circuit per key (source).
type Breakers struct {
	cfg   BreakerConfig
	now   func() time.Time
	mu    sync.Mutex
	state map[string]*breakerState
}

// NewBreakers builds a keyed breaker set.
func NewBreakers(cfg BreakerConfig, now func() time.Time) *Breakers {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Breakers{cfg: cfg, now: now, state: map[string]*breakerState{}}
}

// Allow returns ErrCircuitOpen while key is cooling down. Once the cooldown
// elapses a single trial request is let through; its outcome decides the next state.
func (b *Breakers) Allow(key string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[key]
	if !ok || !st.open {
		return nil
	}
	if b.now().Sub(st.openedAt) >= b.cfg.Cooldown {
		st.open = false
		st.failures = b.cfg.Threshold - 1
		return nil
	}
	return eris.Wrapf(ErrCircuitOpen, "source %s", key)
}

// Record feeds an outcome for key into its breaker.
func (b *Breakers) Record(key string, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[key]
	if !ok {
		st = &breakerState{}
		b.state[key] = st
	}
	trips := err != nil
	if trips && b.cfg.ShouldTrip != nil {
		trips = b.cfg.ShouldTrip(err)
	}
	if !trips {
		st.failures = 0
		return
	}
	st.failures++
	if st.failures >= b.cfg.Threshold {
		st.open = true
		st.openedAt = b.now()
	}
}

// Open reports whether key is currently rejecting calls.
func (b *Breakers) Open(key string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[key]
	return ok && st.open && b.now().Sub(st.openedAt) < b.cfg.Cooldown
}
