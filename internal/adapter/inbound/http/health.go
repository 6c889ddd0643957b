package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/memory"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/routing"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

// healthCheckTimeout bounds the delivery backend probe.
const healthCheckTimeout = 3 * time.Second

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// Pinger is a delivery backend that can verify it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker verifies component health.
type HealthChecker struct {
	routes      *routing.Table
	delivery    Pinger
	backend     string
	journal     outbound.Journal
	rateLimiter *memory.MemoryRateLimiter
	version     string
}

// HealthOption configures optional checks.
type HealthOption func(*HealthChecker)

// WithDeliveryCheck pings the named delivery backend. A nil pinger reports
// the backend without probing it.
func WithDeliveryCheck(backend string, p Pinger) HealthOption {
	return func(h *HealthChecker) {
		h.backend = backend
		h.delivery = p
	}
}

// WithJournalCheck verifies the journal is readable.
func WithJournalCheck(j outbound.Journal) HealthOption {
	return func(h *HealthChecker) {
		h.journal = j
	}
}

// WithRateLimiterCheck reports the number of tracked rate limit keys.
func WithRateLimiterCheck(rl *memory.MemoryRateLimiter) HealthOption {
	return func(h *HealthChecker) {
		h.rateLimiter = rl
	}
}

// NewHealthChecker creates a HealthChecker for the routing table plus
// optional components.
func NewHealthChecker(routes *routing.Table, version string, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{routes: routes, version: version}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.routes == nil || h.routes.Len() == 0 {
		checks["routes"] = "no routes configured"
		healthy = false
	} else {
		checks["routes"] = fmt.Sprintf("ok: %d", h.routes.Len())
	}

	switch {
	case h.backend == "":
		checks["delivery"] = "not configured"
	case h.delivery == nil:
		checks["delivery"] = "ok: " + h.backend
	default:
		pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := h.delivery.Ping(pingCtx)
		cancel()
		if err != nil {
			checks["delivery"] = fmt.Sprintf("unreachable: %s: %v", h.backend, err)
			healthy = false
		} else {
			checks["delivery"] = "ok: " + h.backend
		}
	}

	if h.journal != nil {
		if _, err := h.journal.Recent(ctx, 1); err != nil {
			checks["journal"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["journal"] = "ok"
		}
	} else {
		checks["journal"] = "not configured"
	}

	if h.rateLimiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.rateLimiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}

// healthHandler is the fallback when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}` + "\n"))
	})
}
