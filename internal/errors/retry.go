package errors

import (
	"context"
	"errors"
	"time"
)

const (
	MaxRetries        = 3
	InitialBackoff    = 100 * time.Millisecond
	MaxBackoff        = 5 * time.Second
	BackoffMultiplier = 2.0
)

// RetryPolicy bounds how often and how slowly a retryable failure is retried.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryPolicy is the policy used by WithRetry for store transactions.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: MaxRetries,
	Initial:    InitialBackoff,
	Max:        MaxBackoff,
	Multiplier: BackoffMultiplier,
}

// Backoff returns the delay before retry number attempt, starting at 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Initial
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.Max {
			return p.Max
		}
	}
	return delay
}

// WithRetry runs fn under DefaultRetryPolicy.
func WithRetry(ctx context.Context, fn func() error) error {
	return Retry(ctx, DefaultRetryPolicy, fn)
}

// Retry runs fn until it succeeds, returns a non-retryable error or the
// retry budget is spent. Only AppError values flagged Retryable are retried.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil || !IsRetryable(err) || attempt >= policy.MaxRetries {
			return err
		}

		timer := time.NewTimer(policy.Backoff(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Retryable
	}
	return false
}
