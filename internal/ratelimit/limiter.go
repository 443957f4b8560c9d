package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result captures the outcome of a rate-limit evaluation.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter describes a rate-limiting strategy interface.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// ErrLimitExceeded indicates the rate limit has been reached for the key.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitError is returned by Allow when key is over its limit. It matches
// ErrLimitExceeded.
type LimitError struct {
	Key     string
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s for %s until %s", ErrLimitExceeded, e.Key, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// RetryAfter is how long the caller has to wait from now, never negative.
func (e *LimitError) RetryAfter(now time.Time) time.Duration {
	return max(e.ResetAt.Sub(now), 0)
}

// Rule is a limit per sliding window. A zero Limit disables the rule.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Allow checks key against rule and returns a *LimitError when the caller
// has to back off.
func Allow(ctx context.Context, limiter Limiter, key string, rule Rule) error {
	if limiter == nil || !rule.Enabled() {
		return nil
	}

	result, err := limiter.Check(ctx, key, rule.Limit, rule.Window)
	if err != nil {
		return fmt.Errorf("check rate limit: %w", err)
	}
	if !result.Allowed {
		return &LimitError{Key: key, ResetAt: result.ResetAt}
	}
	return nil
}
