package controller

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry n (1-based): InitialDelay *
// Multiplier^(n-1), capped at MaxDelay, with jitter, never below
// InitialDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitter := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitter
	}

	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}

	return time.Duration(delay)
}
