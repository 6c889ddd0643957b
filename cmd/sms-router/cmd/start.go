package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/inbound/http"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/journal"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/memory"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/config"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/policy"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/service"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the HTTP server",
	Long: `Start the SMS router HTTP server.

Endpoints:
  POST /api/v1/sms/outbound   PBX to gateway
  POST /api/v1/sms/inbound    gateway to PBX
  GET  /api/v1/stats          dispatch counters
  GET  /api/v1/journal        recent dispatches
  GET  /health                component health
  GET  /metrics               Prometheus metrics

On Unix, SIGHUP reloads the policies from the config file.

Examples:
  # Start with config file settings
  sms-router start

  # Start with a specific config file
  sms-router --config /etc/sms-router/sms-router.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, journal to stdout)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(devMode)
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("sms-router stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not use in production")
	}

	shutdownTracing, err := telemetry.SetupTracing(cfg.Tracing.Enabled, os.Stderr, Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	clientLimiter := comps.limiter
	if clientLimiter == nil && cfg.RateLimit.ClientRate > 0 {
		clientLimiter = memory.NewRateLimiter(memory.WithRateLimiterLogger(logger))
	}
	if clientLimiter != nil {
		clientLimiter.StartCleanup(ctx)
		defer clientLimiter.Stop()
	}

	if cfg.Journal.Output != "" && cfg.Journal.Output != journal.OutputStdout {
		retention, err := journal.NewRetention(comps.journal, cfg.Journal.RetentionDays, cfg.Journal.PurgeSchedule, logger)
		if err != nil {
			return err
		}
		retention.Start()
		defer retention.Stop()
	}

	keys, err := apiKeys(cfg.Auth.APIKeys)
	if err != nil {
		return err
	}

	registry := http.NewRegistry()
	metrics := http.NewMetrics(registry)
	dispatcher := comps.dispatcher(cfg, logger, service.WithObserver(metrics))

	go watchReload(ctx, comps.policy, cfg.DevMode, logger)

	healthChecker := http.NewHealthChecker(comps.routes, Version,
		http.WithDeliveryCheck(cfg.Delivery.Backend, comps.pinger),
		http.WithJournalCheck(comps.journal),
		http.WithRateLimiterCheck(comps.limiter),
	)

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithMetrics(registry, metrics),
		http.WithAuth(keys),
		http.WithStats(comps.stats),
		http.WithJournal(comps.journal),
	}
	if cfg.Server.TLSCertFile != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	if cfg.RateLimit.ClientRate > 0 {
		opts = append(opts, http.WithClientRateLimit(clientLimiter, clientRateConfig(cfg.RateLimit.ClientRate)))
	}

	logger.Info("sms-router starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"gateway", cfg.Gateway.URL,
		"routes", comps.routes.Len(),
		"delivery", cfg.Delivery.Backend,
		"policies", len(cfg.Policies),
		"rate_limit", cfg.RateLimit.Enabled,
		"api_keys", len(cfg.Auth.APIKeys),
		"journal", cfg.Journal.Output,
		"tracing", cfg.Tracing.Enabled,
	)

	return http.NewHTTPTransport(dispatcher, opts...).Start(ctx)
}

// policyReloader is the part of the policy service a reload needs.
type policyReloader interface {
	Reload(rules []policy.Rule) error
}

// watchReload re-reads the config on each reload signal and swaps in its
// policies. Other settings need a restart.
func watchReload(ctx context.Context, p policyReloader, dev bool, logger *slog.Logger) {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := reloadPolicies(p, dev); err != nil {
				logger.Error("policy reload failed", "error", err)
				continue
			}
			logger.Info("policies reloaded")
		}
	}
}

func reloadPolicies(p policyReloader, dev bool) error {
	cfg, err := loadConfig(dev)
	if err != nil {
		return err
	}
	return p.Reload(policyRules(cfg.Policies))
}

// newLogger writes text logs to stderr; stdout is left to the journal.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
