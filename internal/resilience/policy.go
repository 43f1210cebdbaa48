package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Policy bundles what every store call goes through: a per-attempt timeout,
// bounded retries of transient errors and an optional breaker.
type Policy struct {
	Timeout time.Duration
	Retry   RetryConfig
	Breaker *Breaker
}

// DefaultPolicy returns a policy with a 10s attempt timeout and the default
// retry configuration, without a breaker.
func DefaultPolicy() Policy {
	return Policy{
		Timeout: 10 * time.Second,
		Retry:   DefaultRetryConfig(),
	}
}

// Call runs fn under the policy. An open breaker stops retries immediately.
func (p Policy) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := CallVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallVal is Call for functions returning a value.
func CallVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := p.Retry
	base := retry.ShouldRetry
	if base == nil {
		base = IsTransient
	}
	retry.ShouldRetry = func(err error) bool {
		if eris.Is(err, ErrCircuitOpen) {
			return false
		}
		return base(err)
	}

	attempt := func(ctx context.Context) (T, error) {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		if p.Breaker != nil {
			return ExecuteVal(ctx, p.Breaker, fn)
		}
		return fn(ctx)
	}
	return DoVal(ctx, retry, attempt)
}
