// Package backoff provides delay schedules for the retry package.
package backoff

import (
	"math"
	"time"
)

// Strategy returns how long to wait after the given attempt, starting at 1.
type Strategy func(attempts uint) time.Duration

// saturate converts a delay in nanoseconds, clamping values that overflow a
// time.Duration.
func saturate(nanos float64) time.Duration {
	if nanos >= math.MaxInt64 || math.IsInf(nanos, 1) || math.IsNaN(nanos) {
		return math.MaxInt64
	}
	return time.Duration(nanos)
}

// Constant waits interval after every attempt.
func Constant(interval time.Duration) Strategy {
	return func(uint) time.Duration {
		return interval
	}
}

// Linear waits baseDelay * attempts, e.g. 2s, 4s, 6s for a 2s base.
func Linear(baseDelay time.Duration) Strategy {
	return func(attempts uint) time.Duration {
		return saturate(float64(baseDelay) * float64(attempts))
	}
}

// Exponential waits baseDelay * base^(attempts-1), e.g. 2s, 6s, 18s for a 2s
// delay with base 3.
func Exponential(baseDelay time.Duration, base float64) Strategy {
	return func(attempts uint) time.Duration {
		return saturate(float64(baseDelay) * math.Pow(base, float64(attempts)-1))
	}
}

// BinaryExponential is Exponential with a base of 2.
func BinaryExponential(baseDelay time.Duration) Strategy {
	return Exponential(baseDelay, 2)
}
