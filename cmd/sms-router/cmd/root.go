// Package cmd provides the CLI commands for the SMS router.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sms-router",
	Short: "SMS router between a Dinstar gateway and FreePBX",
	Long: `sms-router bridges SMS between a Dinstar GSM/LTE gateway and a FreePBX
(Asterisk) PBX.

Outbound: the PBX posts {from, to, text} and the router sends the message
through the gateway port bound to the sending extension, answering the
gateway's HTTP Digest challenge.

Inbound: the gateway pushes received messages and the router delivers each
one to the extension bound to its port, via AMI MessageSend or SIP MESSAGE.

Configuration:
  Config is loaded from sms-router.yaml in the current directory,
  $HOME/.sms-router/, or /etc/sms-router/. A .env file next to the config
  file is loaded first.

  Environment variables can override config values with the SMS_ROUTER_ prefix.
  Example: SMS_ROUTER_GATEWAY_PASSWORD=secret

Commands:
  start       Start the HTTP server
  stop        Stop the running server
  send        Send one message through the gateway
  probe       Fetch the gateway challenge and print the Authorization header
  config      Print the effective configuration with secrets masked
  hash-key    Hash an API key for auth.api_keys
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sms-router.yaml)")
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}

// loadConfig loads, defaults and validates the configuration.
func loadConfig(dev bool) (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dev {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
