// Package config provides configuration types for the SMS router.
//
// Configuration is file based (sms-router.yaml) with environment overrides.
// The routing table, delivery backend, API keys and send policies are fixed
// for the life of the process.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration of the SMS router.
type Config struct {
	// Server configures the HTTP API listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Gateway configures the SMS gateway endpoint and digest credentials.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// SIP configures sender addresses presented to extensions.
	SIP SIPConfig `yaml:"sip" mapstructure:"sip"`

	// Routes binds gateway ports to PBX extensions, one to one.
	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"required,min=1,dive"`

	// Delivery selects how inbound messages reach extensions.
	Delivery DeliveryConfig `yaml:"delivery" mapstructure:"delivery"`

	// Auth configures API keys. When empty the API is unauthenticated.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures per-extension and per-client limits.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Policies are CEL send rules for outbound messages.
	// Optional: when empty every routed message is allowed.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// Journal configures the dispatch journal.
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`

	// Tracing configures OpenTelemetry spans.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development features (verbose logging, stdout journal).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`
}

// GatewayConfig configures the SMS gateway.
type GatewayConfig struct {
	// URL is the send_sms endpoint (e.g., "https://10.0.0.20/api/send_sms").
	// The same URL answers the digest challenge.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`

	Username string `yaml:"username" mapstructure:"username" validate:"required"`
	Password string `yaml:"password" mapstructure:"password" validate:"required"`

	// Timeout bounds each gateway request (e.g., "10s").
	// Defaults to "10s" if not specified.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// InsecureSkipVerify accepts the self-signed certificate most gateways ship with.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// SIPConfig configures SIP addressing.
type SIPConfig struct {
	// DefaultDomain is used for sender addresses when the extension's
	// registered contact cannot be looked up.
	DefaultDomain string `yaml:"default_domain" mapstructure:"default_domain" validate:"required"`
}

// RouteConfig binds one gateway port to one extension.
type RouteConfig struct {
	Port      int    `yaml:"port" mapstructure:"port" validate:"min=0"`
	Extension string `yaml:"extension" mapstructure:"extension" validate:"required"`
}

// DeliveryConfig selects the inbound delivery backend.
type DeliveryConfig struct {
	// Backend is "ami" (Asterisk Manager MessageSend) or "sip" (SIP MESSAGE).
	// Defaults to "ami".
	Backend string            `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=ami sip"`
	AMI     AMIConfig         `yaml:"ami" mapstructure:"ami"`
	SIP     SIPDeliveryConfig `yaml:"sip" mapstructure:"sip"`
}

// AMIConfig configures the Asterisk Manager Interface connection.
type AMIConfig struct {
	// Addr defaults to "127.0.0.1:5038".
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Username string `yaml:"username" mapstructure:"username"`
	Secret   string `yaml:"secret" mapstructure:"secret"`
	// Timeout bounds one login/action/logoff exchange. Defaults to "10s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// SIPDeliveryConfig configures SIP MESSAGE delivery to the PBX.
type SIPDeliveryConfig struct {
	TargetHost string `yaml:"target_host" mapstructure:"target_host"`
	// TargetPort defaults to 5060.
	TargetPort int `yaml:"target_port" mapstructure:"target_port" validate:"omitempty,min=1,max=65535"`
	// Transport is "udp" or "tcp". Defaults to "udp".
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=udp tcp"`
	// Username and Password answer 401/407 challenges from the PBX.
	Username  string `yaml:"username" mapstructure:"username"`
	Password  string `yaml:"password" mapstructure:"password"`
	Timeout   string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig defines an API key.
type APIKeyConfig struct {
	// Name labels the key in logs and client rate limits.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// KeyHash is "sha256:<hex>" or an Argon2id PHC string.
	// Generate with: sms-router hash-key <key>
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`

	// Roles are any of "send", "receive", "read".
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1,dive,oneof=send receive read"`

	// ExpiresAt is an optional RFC 3339 timestamp.
	ExpiresAt string `yaml:"expires_at" mapstructure:"expires_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// PerExtension is the number of outbound messages an extension may send per Period.
	// Defaults to 30 if rate limiting is enabled.
	PerExtension int `yaml:"per_extension" mapstructure:"per_extension" validate:"omitempty,min=1"`

	// Burst is the number of messages allowed back to back. Defaults to PerExtension.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period is the window for PerExtension (e.g., "1m"). Defaults to "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`

	// ClientRate is the maximum API requests per minute per client.
	// 0 disables the client limit.
	ClientRate int `yaml:"client_rate" mapstructure:"client_rate" validate:"omitempty,min=0"`

	// CleanupInterval is how often to clean up expired rate limit entries (e.g., "5m").
	// Defaults to "5m" if not specified.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// MaxTTL is the maximum age of a rate limit entry before removal (e.g., "1h").
	// Defaults to "1h" if not specified.
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty,duration"`
}

// PolicyConfig defines a single send rule.
type PolicyConfig struct {
	// Name is a unique, human-readable identifier for this rule.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Priority orders evaluation, highest first. Equal priorities keep file order.
	Priority int `yaml:"priority" mapstructure:"priority"`

	// Condition is a CEL expression over direction, from, to, extension,
	// port, text_length, hour and weekday. Empty matches every message.
	Condition string `yaml:"condition" mapstructure:"condition"`

	// Action is "allow" or "deny". The first matching rule wins.
	Action string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
}

// JournalConfig configures the dispatch journal.
type JournalConfig struct {
	// Output selects the journal:
	// "" (disabled), "stdout", "dir:///abs/dir" or "sqlite:///abs/file.db".
	Output string `yaml:"output" mapstructure:"output" validate:"journal_output"`

	// RetentionDays is the number of days of history to keep. Defaults to 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// PurgeSchedule is a five-field cron expression. Defaults to "15 0 * * *".
	PurgeSchedule string `yaml:"purge_schedule" mapstructure:"purge_schedule" validate:"omitempty,cron"`

	// MaxFileSizeMB rotates dir:// files within a day. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// CacheSize is the number of recent entries kept in memory. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled exports dispatch spans to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.SIP.DefaultDomain == "" {
		c.SIP.DefaultDomain = "localhost"
	}

	// Default journal to stdout if not configured
	if c.Journal.Output == "" {
		c.Journal.Output = "stdout"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only; network access must be configured explicitly.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Gateway.Timeout == "" {
		c.Gateway.Timeout = "10s"
	}

	if c.Delivery.Backend == "" {
		c.Delivery.Backend = "ami"
	}
	if c.Delivery.AMI.Addr == "" {
		c.Delivery.AMI.Addr = "127.0.0.1:5038"
	}
	if c.Delivery.AMI.Timeout == "" {
		c.Delivery.AMI.Timeout = "10s"
	}
	if c.Delivery.SIP.TargetPort == 0 {
		c.Delivery.SIP.TargetPort = 5060
	}
	if c.Delivery.SIP.Transport == "" {
		c.Delivery.SIP.Transport = "udp"
	}
	if c.Delivery.SIP.Timeout == "" {
		c.Delivery.SIP.Timeout = "10s"
	}
	if c.Delivery.SIP.UserAgent == "" {
		c.Delivery.SIP.UserAgent = "sms-router"
	}

	// Rate limit defaults: enabled unless explicitly turned off.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.PerExtension == 0 {
		c.RateLimit.PerExtension = 30
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.PerExtension
	}
	if c.RateLimit.Period == "" {
		c.RateLimit.Period = "1m"
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	if c.Journal.RetentionDays == 0 {
		c.Journal.RetentionDays = 30
	}
	if c.Journal.PurgeSchedule == "" {
		c.Journal.PurgeSchedule = "15 0 * * *"
	}
	if c.Journal.MaxFileSizeMB == 0 {
		c.Journal.MaxFileSizeMB = 100
	}
	if c.Journal.CacheSize == 0 {
		c.Journal.CacheSize = 1000
	}
}

// redacted replaces a non-empty secret.
const redacted = "********"

// Redacted returns a copy with passwords and secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.Gateway.Password = mask(c.Gateway.Password)
	c.Delivery.AMI.Secret = mask(c.Delivery.AMI.Secret)
	c.Delivery.SIP.Password = mask(c.Delivery.SIP.Password)
	c.Routes = append([]RouteConfig(nil), c.Routes...)
	c.Policies = append([]PolicyConfig(nil), c.Policies...)
	c.Auth.APIKeys = append([]APIKeyConfig(nil), c.Auth.APIKeys...)
	return c
}
