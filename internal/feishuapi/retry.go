package feishuapi

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy is the exponential-backoff schedule for transient failures:
// delay = base * 2^attempt, jittered ±25%, bounded by MaxRetries.
type RetryPolicy struct {
	Base       time.Duration
	MaxRetries int
}

// DefaultRetryPolicy is the schedule used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 250 * time.Millisecond, MaxRetries: 2}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	d := base << uint(attempt)
	jitter := 0.75 + rand.Float64()*0.5 // ±25%
	return time.Duration(float64(d) * jitter)
}

// withRetry invokes op until it succeeds, a non-retryable error occurs, or
// the attempt budget is exhausted. op returns the classified error it
// observed (an *APIError with a class, a network error, or nil).
func withRetry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.delay(attempt)):
		}
	}
	return lastErr
}

func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Any other non-API error (transport, 5xx surfaced as a plain
	// error) is transient.
	return true
}
