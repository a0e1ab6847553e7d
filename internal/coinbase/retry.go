package coinbase

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond

	// maxRetryDelay caps the exponential backoff to bound worst-case latency.
	maxRetryDelay = 10 * time.Second
)

// RetryPolicy classifies failures and computes exponential-backoff delays for
// the API transport. Delays double per attempt from BaseDelay, capped at
// maxRetryDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewRetryPolicy returns a policy with the given attempt budget and initial
// delay, substituting defaults for non-positive values.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// ShouldRetry reports whether the attempt with the given zero-based index may
// be retried. Client errors (400/401/403/404) are never retried; any other
// failure is, while the attempt budget lasts.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts-1 {
		return false
	}
	return IsRetryable(err)
}

// NextDelay returns the backoff delay before the attempt following the given
// zero-based attempt index.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

// policyBackOff adapts RetryPolicy's deterministic delay schedule to the
// backoff.BackOff interface.
type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	delay := b.policy.NextDelay(b.attempt)
	b.attempt++
	return delay
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Do runs op under the policy: non-retryable failures surface immediately,
// retryable ones are reattempted after the computed delay until the attempt
// budget or the context is exhausted. The final error is returned unwrapped
// so callers can still classify it.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.WithMaxRetries(&policyBackOff{policy: p}, uint64(p.MaxAttempts-1))
	return backoff.Retry(wrapped, backoff.WithContext(strategy, ctx))
}
