package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/config"
)

var configDev bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	Long: `Load the configuration (file, .env and SMS_ROUTER_ environment overrides),
apply defaults, validate it and print it as YAML. Passwords, secrets and
key hashes are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configDev)
		if err != nil {
			return err
		}
		if file := config.ConfigFileUsed(); file != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", file)
		}
		return writeConfigYAML(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	configCmd.Flags().BoolVar(&configDev, "dev", false, "apply development mode defaults")
	rootCmd.AddCommand(configCmd)
}

func writeConfigYAML(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
