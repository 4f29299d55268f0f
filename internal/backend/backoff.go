package backend

import (
	"math/rand"
	"time"
)

// Jitter applied to every computed delay, as a percentage of the delay.
const jitterPercent = 20

// Backoff tracks the retry delay for one independent retry domain (event
// upload, command poll, link reconnection). The delay starts at base,
// doubles on each failure up to max, and carries ±20% jitter. After
// maxAttempts consecutive failures the delay is pinned at max instead of
// erroring out. Any success resets the domain to base.
//
// Not safe for concurrent use; each domain is owned by the sync worker.
type Backoff struct {
	base        time.Duration
	max         time.Duration
	floor       time.Duration
	maxAttempts int

	current  time.Duration
	attempts int

	// rnd returns a non-negative pseudo-random number in [0,n).
	// Replaceable in tests.
	rnd func(n int64) int64
}

// NewBackoff creates a backoff domain with a 1 s floor and a 10-attempt cap.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{
		base:        base,
		max:         max,
		floor:       time.Second,
		maxAttempts: 10,
		current:     base,
		rnd:         rand.Int63n,
	}
}

// Next records a failure and returns the delay to wait before the next
// attempt.
func (b *Backoff) Next() time.Duration {
	if b.attempts >= b.maxAttempts {
		b.attempts++
		return b.max
	}

	delay := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	b.attempts++

	jitter := int64(delay) * jitterPercent / 100
	if jitter > 0 {
		delay += time.Duration(b.rnd(2*jitter+1) - jitter)
	}
	if delay < b.floor {
		delay = b.floor
	}
	return delay
}

// Reset returns the domain to the base delay after a success.
func (b *Backoff) Reset() {
	b.current = b.base
	b.attempts = 0
}

// Attempts returns the number of consecutive failures since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
