// Package backoff implements the single exponential-with-cap retry delay
// function shared by the work-item queue and the download state machine,
// built on github.com/cenkalti/backoff/v5's exponential policy rather than
// a hand-rolled doubling loop.
package backoff

import (
	"time"

	cenkalti "github.com/cenkalti/backoff/v5"
)

// Config parameterizes Compute. The zero value is not directly usable;
// Compute falls back to DefaultConfig when Initial is unset.
type Config struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultConfig returns the standard backoff ladder: 1 minute, 5 minutes,
// 15 minutes, then clamped at 15 minutes.
func DefaultConfig() Config {
	return Config{
		Initial: time.Minute,
		Max:     15 * time.Minute,
		Factor:  5, // 1m -> 5m -> 15m(capped), matches the stated ladder
	}
}

// Compute returns the delay to apply before the attempt-th retry (1-based:
// attempt==1 is the delay after the first failure). Delays beyond the
// configured Max clamp at Max.
func Compute(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Initial <= 0 {
		cfg = DefaultConfig()
	}

	b := cenkalti.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.Multiplier = cfg.Factor
	b.MaxInterval = cfg.Max
	b.RandomizationFactor = 0 // deterministic delays: the spec's examples assert exact boundaries

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, err := b.NextBackOff()
		if err != nil {
			return cfg.Max
		}
		d = next
	}
	if d > cfg.Max {
		d = cfg.Max
	}
	return d
}

// NextRunAt returns the absolute time at which a retry after this many
// attempts becomes eligible, given the failure occurred at `at`.
func NextRunAt(cfg Config, attempt int, at time.Time) time.Time {
	return at.Add(Compute(cfg, attempt))
}
