package network

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Automatic reset backoff defaults.
const (
	InitialResetBackoff = 1 * time.Second
	MaxResetBackoff     = 60 * time.Second
	ResetBackoffFactor  = 2.0
)

// BackoffConfig customizes the delay between automatic resets. Jitter is
// the randomization factor: a delay d is drawn from [d*(1-Jitter),
// d*(1+Jitter)].
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// newResetBackoff returns an exponential backoff that never gives up. It is
// not safe for concurrent use; the Manager guards it with its mutex.
func newResetBackoff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialResetBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxResetBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = ResetBackoffFactor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
