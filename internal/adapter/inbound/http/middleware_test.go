package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/memory"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/auth"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/ratelimit"
)

func testKeys(t *testing.T) *auth.APIKeyService {
	t.Helper()
	keys, err := auth.NewAPIKeyService([]auth.APIKey{
		{Name: "pbx", Hash: "sha256:" + auth.HashKey("pbx-key"), Roles: []auth.Role{auth.RoleSend}},
		{Name: "gateway", Hash: auth.HashKey("gw-key"), Roles: []auth.Role{auth.RoleReceive}},
		{Name: "ops", Hash: "sha256:" + auth.HashKey("ops-key"), Roles: []auth.Role{auth.RoleRead}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	var gotID string
	var gotLogger bool
	h := RequestIDMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = r.Context().Value(RequestIDKey).(string)
		_, gotLogger = r.Context().Value(LoggerKey).(*slog.Logger)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if gotID == "" || rec.Header().Get("X-Request-ID") != gotID {
		t.Errorf("generated id = %q, header = %q", gotID, rec.Header().Get("X-Request-ID"))
	}
	if !gotLogger {
		t.Error("logger missing from context")
	}
}

func TestLoggerFromContext_Default(t *testing.T) {
	t.Parallel()

	if LoggerFromContext(context.Background()) == nil {
		t.Error("LoggerFromContext returned nil")
	}
}

func TestExtractRealIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "10.0.0.5:4321", "10.0.0.5"},
		{"forwarded first", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "10.0.0.1:80", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": " 5.6.7.8 "}, "10.0.0.1:80", "5.6.7.8"},
		{"no port", nil, "pipe", "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := extractRealIP(r); got != tt.want {
				t.Errorf("extractRealIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKeyAuth_Roles(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{outbound: message.Sent{HTTPCode: 200}, inbound: []message.Result{}}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newTestTransport(d, WithAuth(testKeys(t)), WithMetrics(reg, metrics))

	outboundBody := `{"from":"201","to":"1","text":"x"}`
	inboundBody := `{"sms":[]}`

	tests := []struct {
		name     string
		path     string
		body     string
		headers  []string
		wantCode int
	}{
		{"no key", "/api/v1/sms/outbound", outboundBody, nil, http.StatusUnauthorized},
		{"unknown key", "/api/v1/sms/outbound", outboundBody, []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer with role", "/api/v1/sms/outbound", outboundBody, []string{"Authorization", "Bearer pbx-key"}, http.StatusOK},
		{"x-api-key with role", "/api/v1/sms/inbound", inboundBody, []string{"X-API-Key", "gw-key"}, http.StatusOK},
		{"wrong role", "/api/v1/sms/inbound", inboundBody, []string{"Authorization", "Bearer pbx-key"}, http.StatusForbidden},
		{"read key cannot send", "/api/v1/sms/outbound", outboundBody, []string{"X-API-Key", "ops-key"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, tt.path, tt.body, tt.headers...)
		if rec.Code != tt.wantCode {
			t.Errorf("%s: code = %d, want %d (%s)", tt.name, rec.Code, tt.wantCode, rec.Body.String())
		}
	}

	if got := testutil.ToFloat64(metrics.AuthFailures); got != 2 {
		t.Errorf("auth_failures_total = %v, want 2", got)
	}
}

func TestAPIKeyAuth_HealthIsOpen(t *testing.T) {
	t.Parallel()

	h := newTestTransport(&fakeDispatcher{}, WithAuth(testKeys(t)))
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health code = %d, want 200", rec.Code)
	}
}

func TestRequireRole_NoIdentity(t *testing.T) {
	t.Parallel()

	called := false
	h := RequireRole(auth.RoleRead, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if !called {
		t.Error("request without identity was blocked")
	}
}

func TestClientRateLimit(t *testing.T) {
	t.Parallel()

	limiter := memory.NewRateLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 1, Burst: 2, Period: time.Minute}
	d := &fakeDispatcher{outbound: message.Sent{HTTPCode: 200}}
	h := newTestTransport(d, WithAuth(testKeys(t)), WithClientRateLimit(limiter, cfg))

	body := `{"from":"201","to":"1","text":"x"}`
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost, "/api/v1/sms/outbound", body, "Authorization", "Bearer pbx-key")
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	if limiter.Size() != 1 {
		t.Errorf("tracked keys = %d, want 1", limiter.Size())
	}
	if _, err := limiter.Allow(context.Background(), ratelimit.FormatKey(ratelimit.KeyTypeClient, "key:pbx"), cfg); err != nil {
		t.Fatal(err)
	}
	if limiter.Size() != 1 {
		t.Error("client was not keyed by api key name")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	tests := map[float64]string{0: "1", 0.2: "1", 1: "1", 1.5: "2", 30: "30"}
	for in, want := range tests {
		if got := retryAfterSeconds(in); got != want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}
