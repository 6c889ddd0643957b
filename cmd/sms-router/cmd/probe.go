package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Fetch the gateway challenge and print the Authorization header",
	Long: `Probe the gateway send URL without a body, print the parsed Digest
challenge, then print the Authorization header a send would carry.

Nothing is sent. Use this to check gateway.url and credentials.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	client := newGatewayClient(cfg, newLogger(cfg))

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	challenge, err := client.Auth().FetchChallenge(ctx, cfg.Gateway.URL)
	if err != nil {
		return fmt.Errorf("fetch challenge: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "realm:     %s\n", challenge.Realm)
	fmt.Fprintf(out, "nonce:     %s\n", challenge.Nonce)
	fmt.Fprintf(out, "qop:       %s\n", challenge.QOP)
	fmt.Fprintf(out, "algorithm: %s\n", challenge.Algorithm)

	// A second probe: each header is built from a fresh challenge.
	header, err := client.Auth().GetAuthorizationHeader(ctx, cfg.Gateway.URL, cfg.Gateway.Username, cfg.Gateway.Password)
	if err != nil {
		return fmt.Errorf("build authorization header: %w", err)
	}
	fmt.Fprintf(out, "authorization: %s\n", header)
	return nil
}
