package util

import (
	"math/rand"
	"time"
)

// Backoff returns an exponential delay for attempt (1-based) between min and
// max, with up to 50% jitter taken off.
func Backoff(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}

	exp := max
	if attempt <= 32 {
		if d := min << uint(attempt-1); d > 0 && d < max {
			exp = d
		}
	}
	if half := int64(exp) / 2; half > 0 {
		exp -= time.Duration(rand.Int63n(half))
	}
	return exp
}
