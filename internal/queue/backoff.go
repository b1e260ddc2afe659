package queue

import (
	"math/rand"
	"time"
)

const (
	// DefaultBaseDelay is the first retry delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps exponential growth.
	DefaultMaxDelay = 30 * time.Second
	// jitterFrac spreads retries by +-20% to avoid thundering herds.
	jitterFrac = 0.2
)

// Backoff returns the delay before retrying attempt k (0-indexed):
// min(base*2^k, max) with +-20% jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := 1 - jitterFrac + 2*jitterFrac*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
