package agent

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff paces retries of failed batch sends. The delay doubles with every
// consecutive failure up to a cap, is spread by ±10% jitter so a fleet that
// lost the gateway together does not reconnect together, and is never
// shorter than a delay the gateway asked for.
type Backoff struct {
	initial time.Duration
	limit   time.Duration
	jitter  float64
	rand    func() float64

	mu       sync.Mutex
	failures int
}

// NewBackoff creates a Backoff starting at initial and capped at limit.
// Non-positive values fall back to 1s and 5m.
func NewBackoff(initial, limit time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if limit <= 0 {
		limit = 5 * time.Minute
	}
	if limit < initial {
		limit = initial
	}
	return &Backoff{initial: initial, limit: limit, jitter: 0.1, rand: rand.Float64}
}

// Failure records a failed send and returns how long to wait before the
// next one. hint is the gateway's Retry-After, or zero.
func (b *Backoff) Failure(hint time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.initial
	for i := 0; i < b.failures && delay < b.limit; i++ {
		delay *= 2
	}
	delay = min(delay, b.limit)
	if b.jitter > 0 {
		spread := float64(delay) * b.jitter
		delay += time.Duration((b.rand()*2 - 1) * spread)
	}
	b.failures++
	return max(delay, hint)
}

// Success clears the failure streak.
func (b *Backoff) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failures returns the number of consecutive failed sends.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
