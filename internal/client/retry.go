package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with optional jitter.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0).
	JitterFactor float64
}

// NewBackoff returns a Backoff doubling from initial up to maximum with 20% jitter.
func NewBackoff(initial, maximum time.Duration) Backoff {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if maximum < initial {
		maximum = initial
	}
	return Backoff{InitialDelay: initial, MaxDelay: maximum, Multiplier: 2, JitterFactor: 0.2}
}

// Delay returns the wait before retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.InitialDelay)
		}
	}
	return time.Duration(delay)
}
