package relay

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig is the reconnect policy: exponential delay with jitter,
// giving up after MaxRetries consecutive failures (0 retries forever).
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries uint64
}

// DefaultBackoff is 1s doubling to 30s with 20% jitter, 10 attempts
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		MaxRetries: 10,
	}
}

func (c BackoffConfig) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	if c.Multiplier > 0 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = c.Jitter
	// Retry count bounds the loop, not wall time
	b.MaxElapsedTime = 0
	b.Reset()

	if c.MaxRetries > 0 {
		return backoff.WithMaxRetries(b, c.MaxRetries)
	}
	return b
}
