package resilience

import "time"

// DeferConfig schedules replays of writes that could not be applied in time.
type DeferConfig struct {
	// MaxAttempts is the number of replays before a mutation is parked.
	// Default: 10.
	MaxAttempts int
	// Backoff spaces replays. Its MaxAttempts is ignored.
	Backoff RetryConfig
}

// DefaultDeferConfig replays after 5s, doubling up to one hour.
func DefaultDeferConfig() DeferConfig {
	return DeferConfig{
		MaxAttempts: 10,
		Backoff: RetryConfig{
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     time.Hour,
			Multiplier:     2.0,
			JitterFraction: 0.1,
		},
	}
}

// NextAttempt returns when a mutation that has failed attempts times should
// be replayed next.
func (c DeferConfig) NextAttempt(attempts int, now time.Time) time.Time {
	if attempts < 0 {
		attempts = 0
	}
	return now.Add(Backoff(attempts, c.Backoff))
}

// CanRetry reports whether a mutation with the given attempt count may be
// replayed again.
func (c DeferConfig) CanRetry(attempts int) bool {
	max := c.MaxAttempts
	if max <= 0 {
		max = DefaultDeferConfig().MaxAttempts
	}
	return attempts < max
}
