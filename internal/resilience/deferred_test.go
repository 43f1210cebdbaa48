package resilience

import (
	"testing"
	"time"
)

func TestDeferConfig_NextAttempt(t *testing.T) {
	cfg := DeferConfig{
		MaxAttempts: 3,
		Backoff:     RetryConfig{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Multiplier: 2},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{6, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.NextAttempt(tt.attempts, now).Sub(now); got != tt.want {
			t.Errorf("attempts %d: got %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestDeferConfig_CanRetry(t *testing.T) {
	cfg := DeferConfig{MaxAttempts: 2}
	if !cfg.CanRetry(1) {
		t.Error("expected attempt 1 to be retryable")
	}
	if cfg.CanRetry(2) {
		t.Error("expected attempt 2 to be parked")
	}
	if !(DeferConfig{}).CanRetry(9) || (DeferConfig{}).CanRetry(10) {
		t.Error("zero config should fall back to 10 attempts")
	}
}

func TestFromConfig(t *testing.T) {
	r := FromRetryConfig(0, 50, 0, 0, -1)
	if r.MaxAttempts != 4 || r.InitialBackoff != 50*time.Millisecond || r.JitterFraction != 0.2 {
		t.Errorf("unexpected retry config %+v", r)
	}
	c := FromCircuitConfig(2, 5)
	if c.FailureThreshold != 2 || c.ResetTimeout != 5*time.Second {
		t.Errorf("unexpected circuit config %+v", c)
	}
	d := FromDeferConfig(0, 30, 600)
	if d.MaxAttempts != 10 || d.Backoff.InitialBackoff != 30*time.Second || d.Backoff.MaxBackoff != 10*time.Minute {
		t.Errorf("unexpected defer config %+v", d)
	}
}
