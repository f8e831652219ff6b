package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures the delay before a failed task is retried.
type RetryConfig struct {
	InitialInterval     time.Duration // Delay after the first failure (default 30s, 0 disables)
	MaxInterval         time.Duration // Upper bound on the delay (default 10m)
	Multiplier          float64       // Growth per attempt (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     30 * time.Second,
		MaxInterval:         10 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Delay returns how long to wait before attempt number attempts+1.
func (c RetryConfig) Delay(attempts int) time.Duration {
	if c.InitialInterval <= 0 || attempts <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = max(c.MaxInterval, c.InitialInterval)
	b.Multiplier = c.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = c.RandomizationFactor
	b.MaxElapsedTime = 0 // never give up; the attempt budget decides
	b.Reset()

	var d time.Duration
	for range attempts {
		d = b.NextBackOff()
	}
	return d
}
