package feed

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays with exponential growth and full jitter:
// the delay for attempt n is uniform in [0, min(Cap, Base*2^n)).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	Rand func() float64 // uniform [0,1); nil uses math/rand/v2
}

// DefaultBackoff is base 1s, cap 60s.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 60 * time.Second}
}

// Ceiling returns the un-jittered upper bound for attempt (0-based).
func (b Backoff) Ceiling(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	limit := b.Cap
	if limit <= 0 {
		limit = 60 * time.Second
	}
	wait := base
	for i := 0; i < attempt; i++ {
		if wait >= limit/2 {
			return limit
		}
		wait *= 2
	}
	if wait > limit {
		return limit
	}
	return wait
}

// Next returns the jittered delay for attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(b.Ceiling(attempt)))
}
