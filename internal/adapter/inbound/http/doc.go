// Package http provides the HTTP API of the SMS router.
//
// The PBX dialplan posts outbound messages, the gateway pushes received
// messages, and operators read stats and the dispatch journal.
//
// # Usage
//
//	transport := http.NewHTTPTransport(dispatcher,
//	    http.WithAddr("127.0.0.1:8080"),
//	    http.WithAuth(keys),
//	    http.WithStats(stats),
//	    http.WithJournal(j),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /api/v1/sms/outbound  - send one message from an extension (role "send")
//	POST /api/v1/sms/inbound   - deliver a gateway batch to extensions (role "receive")
//	GET  /api/v1/stats         - dispatch counters (role "read")
//	GET  /api/v1/journal       - recent dispatches, ?limit=N (role "read")
//	GET  /health               - component checks, 503 when unhealthy
//	GET  /metrics              - Prometheus metrics
//
// # Authentication
//
// When API keys are configured every /api/ route requires one, passed as
// "Authorization: Bearer <key>" or "X-API-Key: <key>". A missing or unknown
// key is answered with 401, a key without the route's role with 403.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - request count and duration
//  2. RequestIDMiddleware - request ID and request-scoped logger
//  3. RealIPMiddleware - client IP from proxy headers
//  4. APIKeyMiddleware - identity from the API key
//  5. ClientRateLimitMiddleware - per-client request budget, when configured
//  6. Handler
package http
