package mcp

import (
	"context"
	"time"

	"github.com/avast/retry-go"
)

// RetryPolicy describes a bounded exponential backoff schedule. It is a plain
// value: transports consult it when a connection drops, rather than wiring
// retry behavior into each call site.
type RetryPolicy struct {
	// MaxAttempts is the total number of connection attempts before giving
	// up, including the first one.
	MaxAttempts uint
	// BaseDelay is the wait before the first retry; subsequent waits double.
	BaseDelay time.Duration
	// MaxDelay caps the growth of the backoff delay.
	MaxDelay time.Duration
	// Jitter adds randomness to each delay when true, spreading reconnect
	// storms from multiple clients.
	Jitter bool
}

// defaultRetryPolicy mirrors the reconnect schedule the push-channel
// transport ships with: five attempts, 2s base, capped at 30s.
func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// retryWithPolicy runs fn under the policy's schedule, stopping early when
// ctx is cancelled. The returned error is the last attempt's error, or the
// context's error on cancellation.
func retryWithPolicy(ctx context.Context, policy RetryPolicy, fn func() error) error {
	delayType := retry.BackOffDelay
	if policy.Jitter {
		delayType = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)
	}

	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(policy.MaxAttempts),
		retry.Delay(policy.BaseDelay),
		retry.MaxDelay(policy.MaxDelay),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
	)
}
