package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SMS_ROUTER_GATEWAY_PASSWORD.
const EnvPrefix = "SMS_ROUTER"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for sms-router.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
// A .env file next to the config file, or in the working directory, is loaded
// into the environment first; variables already set are not overridden.
func InitViper(configFile string) error {
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("sms-router")
		viper.SetConfigType("yaml")
	}

	envDir := "."
	if configFile != "" {
		envDir = filepath.Dir(configFile)
	}
	if err := loadDotEnv(filepath.Join(envDir, ".env")); err != nil {
		return err
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
	return nil
}

// loadDotEnv loads path with godotenv. A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// findConfigFile searches standard locations for an sms-router config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sms-router"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "sms-router"))
		}
	} else {
		paths = append(paths, "/etc/sms-router")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for sms-router.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sms-router"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// Example: SMS_ROUTER_GATEWAY_PASSWORD overrides gateway.password
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")

	_ = viper.BindEnv("gateway.url")
	_ = viper.BindEnv("gateway.username")
	_ = viper.BindEnv("gateway.password")
	_ = viper.BindEnv("gateway.timeout")
	_ = viper.BindEnv("gateway.insecure_skip_verify")

	_ = viper.BindEnv("sip.default_domain")

	_ = viper.BindEnv("delivery.backend")
	_ = viper.BindEnv("delivery.ami.addr")
	_ = viper.BindEnv("delivery.ami.username")
	_ = viper.BindEnv("delivery.ami.secret")
	_ = viper.BindEnv("delivery.ami.timeout")
	_ = viper.BindEnv("delivery.sip.target_host")
	_ = viper.BindEnv("delivery.sip.target_port")
	_ = viper.BindEnv("delivery.sip.transport")
	_ = viper.BindEnv("delivery.sip.username")
	_ = viper.BindEnv("delivery.sip.password")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.per_extension")
	_ = viper.BindEnv("rate_limit.burst")
	_ = viper.BindEnv("rate_limit.period")
	_ = viper.BindEnv("rate_limit.client_rate")

	_ = viper.BindEnv("journal.output")
	_ = viper.BindEnv("journal.retention_days")

	_ = viper.BindEnv("tracing.enabled")

	// Note: routes, policies and auth.api_keys are arrays, complex to override via env
	// Users should use config file for these

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
