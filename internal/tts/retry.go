package tts

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults.
const (
	DefaultMaxAttempts     = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 8 * time.Second
	defaultMultiplier      = 2.0
)

// RetryPolicy bounds how often a chunk is attempted and how long to wait between
// attempts. NewBackOff is called once per chunk.
type RetryPolicy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
}

// DefaultRetryPolicy retries three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		NewBackOff:  NewExponentialBackOff,
	}
}

// ExponentialRetryPolicy retries attempts times, waiting from initial up to maxWait
// between attempts.
func ExponentialRetryPolicy(attempts int, initial, maxWait time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		NewBackOff: func() backoff.BackOff {
			exponential := backoff.NewExponentialBackOff()
			exponential.InitialInterval = initial
			exponential.MaxInterval = maxWait
			exponential.Multiplier = defaultMultiplier

			return exponential
		},
	}
}

// NoDelayRetryPolicy retries without waiting. It keeps tests fast.
func NoDelayRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		NewBackOff: func() backoff.BackOff {
			return &backoff.ZeroBackOff{}
		},
	}
}

// NewExponentialBackOff returns the default exponential schedule.
func NewExponentialBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = defaultInitialInterval
	exponential.MaxInterval = defaultMaxInterval
	exponential.Multiplier = defaultMultiplier

	return exponential
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.NewBackOff == nil {
		return NewExponentialBackOff()
	}

	return p.NewBackOff()
}
