package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/auth"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/routing"
)

// RegisterCustomValidators registers router-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"journal_output": validateJournalOutput,
		"duration":       validateDuration,
		"key_hash":       validateKeyHash,
		"cron":           validateCron,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateJournalOutput accepts "", "stdout", "dir://<absolute-path>" and
// "sqlite://<absolute-path>".
func validateJournalOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "" || output == "stdout" {
		return true
	}
	for _, scheme := range []string{"dir://", "sqlite://"} {
		if strings.HasPrefix(output, scheme) {
			path := strings.TrimPrefix(output, scheme)
			return path != "" && filepath.IsAbs(path)
		}
	}
	return false
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validateKeyHash(fl validator.FieldLevel) bool {
	return auth.DetectHashType(fl.Field().String()) != "unknown"
}

func validateCron(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if _, err := c.RoutingTable(); err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	if err := c.validateDelivery(); err != nil {
		return err
	}

	if err := validateUniqueNames("policies", len(c.Policies), func(i int) string { return c.Policies[i].Name }); err != nil {
		return err
	}

	return validateUniqueNames("auth.api_keys", len(c.Auth.APIKeys), func(i int) string { return c.Auth.APIKeys[i].Name })
}

// validateDelivery checks the settings of the selected backend.
func (c *Config) validateDelivery() error {
	switch c.Delivery.Backend {
	case "", "ami":
		if c.Delivery.AMI.Username == "" || c.Delivery.AMI.Secret == "" {
			return errors.New("delivery.ami: username and secret are required for the ami backend")
		}
	case "sip":
		if c.Delivery.SIP.TargetHost == "" {
			return errors.New("delivery.sip: target_host is required for the sip backend")
		}
	}
	return nil
}

func validateUniqueNames(field string, n int, name func(int) string) error {
	seen := make(map[string]int, n)
	for i := 0; i < n; i++ {
		if first, ok := seen[name(i)]; ok {
			return fmt.Errorf("%s[%d]: duplicate name %q (first used at index %d)", field, i, name(i), first)
		}
		seen[name(i)] = i
	}
	return nil
}

// RoutingTable builds the port/extension table from Routes.
func (c *Config) RoutingTable() (*routing.Table, error) {
	routes := make([]routing.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		routes = append(routes, routing.Route{Port: r.Port, Extension: r.Extension})
	}
	return routing.NewTable(routes)
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "datetime":
		return fmt.Sprintf("%s must be an RFC 3339 timestamp", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as '10s' or '5m'", field)
	case "key_hash":
		return fmt.Sprintf("%s must be 'sha256:<hex>' or an argon2id hash (see 'sms-router hash-key')", field)
	case "cron":
		return fmt.Sprintf("%s must be a five-field cron expression", field)
	case "journal_output":
		return fmt.Sprintf("%s must be empty, 'stdout', 'dir://<absolute-path>' or 'sqlite://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
