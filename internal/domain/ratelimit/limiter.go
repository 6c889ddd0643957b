package ratelimit

import "context"

// RateLimiter checks and consumes rate limit budget.
//
// Implementations use GCRA (Generic Cell Rate Algorithm), which spreads
// events evenly over the period instead of resetting at window boundaries.
type RateLimiter interface {
	// Allow consumes one event for key if the budget permits. key should be
	// built with FormatKey. When the event is refused, RetryAfter tells when
	// the next one will be accepted.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}
