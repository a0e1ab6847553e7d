package coinbase

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is token-bucket admission control for outbound API requests:
// maxTokens of burst capacity refilled at refillRate tokens per second.
// Safe for concurrent use; the retrieval pipeline may issue chunks from
// multiple goroutines against one shared limiter.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter with the given bucket capacity and
// refill rate per second.
func NewRateLimiter(maxTokens int, refillRate float64) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(refillRate), maxTokens),
	}
}

// TryAcquire consumes one token if available and reports whether it did.
// Never blocks.
func (r *RateLimiter) TryAcquire() bool {
	return r.limiter.Allow()
}

// WaitForToken blocks until a token is available or the context is done.
// Callers are background batch clients, not latency-sensitive paths.
func (r *RateLimiter) WaitForToken(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the currently available token count, for logging.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
