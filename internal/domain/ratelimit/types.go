// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int
	// Burst is the maximum number of events that can occur at once.
	// Zero means Rate.
	Burst int
	// Period is the time window for the rate limit.
	Period time.Duration
}

// Enabled reports whether the config limits anything.
func (c RateLimitConfig) Enabled() bool {
	return c.Rate > 0 && c.Period > 0
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// RetryAfter is only meaningful when Allowed is false.
	RetryAfter time.Duration
	ResetAfter time.Duration
}

// KeyType identifies what a rate limit key counts.
type KeyType string

const (
	// KeyTypeExtension limits messages sent by one PBX extension.
	KeyTypeExtension KeyType = "extension"
	// KeyTypePort limits messages delivered from one gateway port.
	KeyTypePort KeyType = "port"
	// KeyTypeClient limits API calls per client (API key name or remote IP).
	KeyTypeClient KeyType = "client"
)

const keyPrefix = "ratelimit"

// FormatKey returns "ratelimit:{type}:{value}".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
