package takclient

import (
	"math/rand"
	"time"
)

// nextBackoff returns the next reconnect wait: double the current value with
// ±25 % jitter, clamped to [base, cap].
func nextBackoff(current, base, cap time.Duration) time.Duration {
	next := current * 2
	if next > cap {
		next = cap
	}

	// ±25 % jitter: multiply by a factor in [0.75, 1.25).
	jitterFactor := 0.75 + rand.Float64()*0.5
	next = time.Duration(float64(next) * jitterFactor)

	if next < base {
		next = base
	}
	if next > cap {
		next = cap
	}
	return next
}
