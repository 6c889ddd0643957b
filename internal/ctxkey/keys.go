// Package ctxkey defines shared context key types used across multiple packages.
// It has no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request ID string.
type RequestIDKey struct{}
