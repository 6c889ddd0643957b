package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/auth"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/ratelimit"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/inbound"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/service"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// HTTPTransport serves the SMS API over HTTP.
type HTTPTransport struct {
	dispatcher    inbound.Dispatcher
	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	logger        *slog.Logger
	registry      *prometheus.Registry
	metrics       *Metrics
	healthChecker *HealthChecker
	keys          *auth.APIKeyService
	stats         *service.StatsService
	journal       outbound.Journal
	limiter       ratelimit.RateLimiter
	clientLimit   ratelimit.RateLimitConfig
	boundAddr     chan string
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithMetrics serves reg on /metrics and records request metrics in m.
// Without it the transport creates its own registry.
func WithMetrics(reg *prometheus.Registry, m *Metrics) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
		t.metrics = m
	}
}

// WithAuth requires API keys on /api/ routes.
func WithAuth(keys *auth.APIKeyService) Option {
	return func(t *HTTPTransport) {
		t.keys = keys
	}
}

// WithStats exposes GET /api/v1/stats.
func WithStats(stats *service.StatsService) Option {
	return func(t *HTTPTransport) {
		t.stats = stats
	}
}

// WithJournal exposes GET /api/v1/journal.
func WithJournal(j outbound.Journal) Option {
	return func(t *HTTPTransport) {
		t.journal = j
	}
}

// WithClientRateLimit limits API requests per client.
func WithClientRateLimit(limiter ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig) Option {
	return func(t *HTTPTransport) {
		t.limiter = limiter
		t.clientLimit = cfg
	}
}

// NewRegistry returns a Prometheus registry with the Go and process
// collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewHTTPTransport creates an HTTP transport serving dispatcher.
func NewHTTPTransport(dispatcher inbound.Dispatcher, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		dispatcher: dispatcher,
		addr:       "127.0.0.1:8080",
		logger:     slog.Default(),
		boundAddr:  make(chan string, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.registry == nil {
		t.registry = NewRegistry()
		t.metrics = NewMetrics(t.registry)
	}

	return t
}

// Handler returns the routed handler with the full middleware chain.
func (t *HTTPTransport) Handler() http.Handler {
	api := http.NewServeMux()
	api.Handle("POST /api/v1/sms/outbound", RequireRole(auth.RoleSend, outboundHandler(t.dispatcher)))
	api.Handle("POST /api/v1/sms/inbound", RequireRole(auth.RoleReceive, inboundHandler(t.dispatcher)))
	if t.stats != nil {
		api.Handle("GET /api/v1/stats", RequireRole(auth.RoleRead, statsHandler(t.stats)))
	}
	if t.journal != nil {
		api.Handle("GET /api/v1/journal", RequireRole(auth.RoleRead, journalHandler(t.journal)))
	}

	// Middleware order (outermost first):
	// Metrics -> RequestID -> RealIP -> APIKey -> ClientRateLimit -> Handler
	var apiHandler http.Handler = api
	apiHandler = ClientRateLimitMiddleware(t.limiter, t.clientLimit)(apiHandler)
	apiHandler = APIKeyMiddleware(t.keys, t.metrics)(apiHandler)
	apiHandler = RealIPMiddleware(apiHandler)
	apiHandler = RequestIDMiddleware(t.logger)(apiHandler)
	apiHandler = MetricsMiddleware(t.metrics)(apiHandler)

	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("GET /health", t.healthChecker.Handler())
	} else {
		mux.Handle("GET /health", healthHandler())
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	mux.Handle("/api/", apiHandler)
	return mux
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.boundAddr <- ln.Addr().String()

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
			err = t.server.ServeTLS(ln, t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			err = t.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// Addr blocks until Start has bound its listener and returns the address.
func (t *HTTPTransport) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-t.boundAddr:
		t.boundAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}
