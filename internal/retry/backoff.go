package retry

import (
	"math"
	"time"
)

// Backoff computes retry delays. Delays never decrease as attempts grow.
type Backoff struct {
	Initial          time.Duration
	Max              time.Duration
	RateLimitInitial time.Duration
}

// DefaultBackoff mirrors the config defaults
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:          30 * time.Second,
		Max:              time.Hour,
		RateLimitInitial: 2 * time.Minute,
	}
}

// Delay returns the wait before the next try after `attempts` failures
func (b Backoff) Delay(class Class, attempts int) time.Duration {
	base := b.Initial
	if class == ClassRateLimited && b.RateLimitInitial > base {
		base = b.RateLimitInitial
	}
	return exponential(base, b.Max, attempts)
}

// For returns a delay function bound to one class
func (b Backoff) For(class Class) func(attempts int) time.Duration {
	return func(attempts int) time.Duration {
		return b.Delay(class, attempts)
	}
}

func exponential(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		if base > max {
			return max
		}
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp >= float64(max) || math.IsInf(exp, 0) {
		return max
	}
	return time.Duration(exp)
}
