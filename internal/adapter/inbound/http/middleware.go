package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/ctxkey"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/auth"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/ratelimit"
)

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = ctxkey.RequestIDKey{}

type clientIPKey struct{}

type identityKey struct{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
// The request ID is stored in context using RequestIDKey.
// An enriched logger with request_id field is stored using LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			// Set response header for correlation
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware extracts the client's real IP address.
// It checks X-Forwarded-For and X-Real-IP headers (for reverse proxy support),
// falling back to r.RemoteAddr if no proxy headers are present.
// Only the first IP in X-Forwarded-For is trusted to avoid spoofing.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromContext returns the IP stored by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// extractRealIP extracts the client's real IP address from the request.
func extractRealIP(r *http.Request) string {
	// Format: X-Forwarded-For: client, proxy1, proxy2
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		if ip = strings.TrimSpace(ip); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractAPIKey returns the key from "Authorization: Bearer" or X-API-Key.
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// APIKeyMiddleware authenticates /api/ requests when keys is non-nil.
// The resolved identity is stored in context for RequireRole. Requests to
// other paths pass through untouched.
func APIKeyMiddleware(keys *auth.APIKeyService, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keys == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			identity, err := keys.Validate(r.Context(), extractAPIKey(r))
			if err != nil {
				if metrics != nil {
					metrics.AuthFailures.Inc()
				}
				LoggerFromContext(r.Context()).Warn("api key rejected",
					"path", r.URL.Path,
					"client_ip", ClientIPFromContext(r.Context()),
					"error", err,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="sms-router"`)
				writeFail(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the authenticated caller, or nil when
// authentication is disabled.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey{}).(*auth.Identity)
	return id
}

// RequireRole rejects authenticated callers lacking role with 403.
// Without an identity in context (authentication disabled) it allows the request.
func RequireRole(role auth.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := IdentityFromContext(r.Context()); id != nil && !id.HasRole(role) {
			writeFail(w, http.StatusForbidden, "api key lacks role "+string(role))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientRateLimitMiddleware limits /api/ requests per client. Clients are
// keyed by API key name when authenticated, otherwise by IP. Limiter errors
// let the request through.
func ClientRateLimitMiddleware(limiter ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			client := "ip:" + ClientIPFromContext(r.Context())
			if id := IdentityFromContext(r.Context()); id != nil {
				client = "key:" + id.Name
			}

			res, err := limiter.Allow(r.Context(), ratelimit.FormatKey(ratelimit.KeyTypeClient, client), cfg)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("client rate limiter failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				w.Header().Set("Retry-After", retryAfterSeconds(res.RetryAfter.Seconds()))
				writeFail(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, minimum 1.
func retryAfterSeconds(s float64) string {
	n := int(s)
	if float64(n) < s {
		n++
	}
	if n < 1 {
		n = 1
	}
	return strconv.Itoa(n)
}
