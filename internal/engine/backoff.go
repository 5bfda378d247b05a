package engine

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before the next retry of a failing delivery.
// The schedule is Base * Factor^(attempt-1), capped at Max, with attempt
// counted from 1. Jitter is a fraction of the delay added or subtracted
// at random; it defaults to 0 so retry timing stays exact.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff returns the standard webhook retry schedule:
// 1s, 2s, 4s, 8s, ... capped at 5 minutes.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    5 * time.Minute,
		Factor: 2.0,
	}
}

// Delay returns the wait before the given attempt's retry.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		span := delay * b.Jitter
		delay += (rand.Float64() * 2 * span) - span
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
