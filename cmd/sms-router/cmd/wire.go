package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/inbound/http"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/ami"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/gateway"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/journal"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/memory"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/sipmsg"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/config"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/auth"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/policy"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/ratelimit"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/routing"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/service"
)

// components holds everything built from the config.
type components struct {
	routes    *routing.Table
	gateway   *gateway.Client
	deliverer outbound.Deliverer
	directory outbound.Directory
	// pinger is nil when the delivery backend cannot be probed.
	pinger  http.Pinger
	journal outbound.Journal
	policy  *service.PolicyService
	// limiter is nil when rate limiting is disabled.
	limiter *memory.MemoryRateLimiter
	rateCfg ratelimit.RateLimitConfig
	stats   *service.StatsService

	closers []func() error
}

// buildComponents constructs the dispatcher's collaborators. Nothing is
// started; the caller owns background work and must call close.
func buildComponents(cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{stats: service.NewStatsService()}
	defer func() {
		if err != nil {
			_ = c.close()
		}
	}()

	if c.routes, err = cfg.RoutingTable(); err != nil {
		return nil, err
	}

	c.gateway = newGatewayClient(cfg, logger)

	switch cfg.Delivery.Backend {
	case "sip":
		d, err := sipmsg.New(sipmsg.Config{
			TargetHost: cfg.Delivery.SIP.TargetHost,
			TargetPort: cfg.Delivery.SIP.TargetPort,
			Transport:  cfg.Delivery.SIP.Transport,
			Username:   cfg.Delivery.SIP.Username,
			Password:   cfg.Delivery.SIP.Password,
			Timeout:    durationOr(cfg.Delivery.SIP.Timeout, 10*time.Second),
			UserAgent:  cfg.Delivery.SIP.UserAgent,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create sip deliverer: %w", err)
		}
		c.closers = append(c.closers, d.Close)
		c.deliverer, c.directory = d, d
	default:
		client := ami.NewClient(ami.Config{
			Addr:     cfg.Delivery.AMI.Addr,
			Username: cfg.Delivery.AMI.Username,
			Secret:   cfg.Delivery.AMI.Secret,
			Timeout:  durationOr(cfg.Delivery.AMI.Timeout, 10*time.Second),
		}, logger)
		d := ami.NewDeliverer(client)
		c.deliverer, c.directory, c.pinger = d, d, client
	}

	if c.journal, err = journal.Open(cfg.Journal.Output, journal.Options{
		RetentionDays: cfg.Journal.RetentionDays,
		MaxFileSizeMB: cfg.Journal.MaxFileSizeMB,
		CacheSize:     cfg.Journal.CacheSize,
	}, logger); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	c.closers = append(c.closers, c.journal.Close)

	// Always present so a reload can add rules later.
	if c.policy, err = service.NewPolicyService(policyRules(cfg.Policies), logger); err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}

	if cfg.RateLimit.Enabled {
		c.limiter = memory.NewRateLimiter(
			memory.WithCleanup(
				durationOr(cfg.RateLimit.CleanupInterval, 5*time.Minute),
				durationOr(cfg.RateLimit.MaxTTL, time.Hour),
			),
			memory.WithRateLimiterLogger(logger),
		)
		c.rateCfg = ratelimit.RateLimitConfig{
			Rate:   cfg.RateLimit.PerExtension,
			Burst:  cfg.RateLimit.Burst,
			Period: durationOr(cfg.RateLimit.Period, time.Minute),
		}
	}

	return c, nil
}

func newGatewayClient(cfg *config.Config, logger *slog.Logger) *gateway.Client {
	return gateway.NewClient(gateway.Config{
		URL:                cfg.Gateway.URL,
		Username:           cfg.Gateway.Username,
		Password:           cfg.Gateway.Password,
		Timeout:            durationOr(cfg.Gateway.Timeout, gateway.DefaultTimeout),
		InsecureSkipVerify: cfg.Gateway.InsecureSkipVerify,
	}, gateway.WithLogger(logger))
}

// dispatcher assembles the Dispatcher from the built components.
func (c *components) dispatcher(cfg *config.Config, logger *slog.Logger, extra ...service.DispatcherOption) *service.Dispatcher {
	opts := []service.DispatcherOption{
		service.WithDirectory(c.directory),
		service.WithPolicy(c.policy),
		service.WithJournal(c.journal),
		service.WithStats(c.stats),
	}
	if c.limiter != nil {
		opts = append(opts, service.WithRateLimit(c.limiter, c.rateCfg))
	}
	opts = append(opts, extra...)
	return service.NewDispatcher(c.routes, c.gateway, c.deliverer, cfg.SIP.DefaultDomain, logger, opts...)
}

// close releases resources in reverse order of creation.
func (c *components) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func policyRules(cfgs []config.PolicyConfig) []policy.Rule {
	rules := make([]policy.Rule, len(cfgs))
	for i, p := range cfgs {
		rules[i] = policy.Rule{
			Name:      p.Name,
			Priority:  p.Priority,
			Condition: p.Condition,
			Action:    policy.Action(p.Action),
		}
	}
	return rules
}

// apiKeys returns nil when no keys are configured, which leaves the API open.
func apiKeys(cfgs []config.APIKeyConfig) (*auth.APIKeyService, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	keys := make([]auth.APIKey, len(cfgs))
	for i, k := range cfgs {
		roles := make([]auth.Role, len(k.Roles))
		for j, r := range k.Roles {
			roles[j] = auth.Role(r)
		}
		keys[i] = auth.APIKey{Name: k.Name, Hash: k.KeyHash, Roles: roles}
		if k.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, k.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("api key %q: expires_at: %w", k.Name, err)
			}
			keys[i].ExpiresAt = &t
		}
	}
	return auth.NewAPIKeyService(keys)
}

// clientRateConfig converts requests per minute to a limiter config.
func clientRateConfig(perMinute int) ratelimit.RateLimitConfig {
	return ratelimit.RateLimitConfig{Rate: perMinute, Burst: perMinute, Period: time.Minute}
}

// durationOr parses s, falling back to def when s is empty or invalid.
// Values are validated at load time.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
