package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/auth"
)

var hashArgon2id bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for auth.api_keys",
	Long: `Hash an API key for use in config.

The default output is "sha256:<hex>". With --argon2id the output is an
Argon2id PHC string, slower to verify but resistant to offline guessing.
Either can be used in the auth.api_keys[].key_hash field.

Example:
  sms-router hash-key "my-secret-api-key"
  # Output: sha256:7d5e8c...

Security note: The key will appear in shell history.
Consider clearing history after use or using environment variable:
  sms-router hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashArgon2id {
			hash, err := auth.HashKeyArgon2id(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sha256:%s\n", auth.HashKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashArgon2id, "argon2id", false, "output an Argon2id hash instead of SHA-256")
	rootCmd.AddCommand(hashKeyCmd)
}
