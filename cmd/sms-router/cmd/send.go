package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/ctxkey"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
)

var sendFrom, sendTo string

var sendCmd = &cobra.Command{
	Use:   "send --from <extension> --to <number> <text...>",
	Short: "Send one message through the gateway",
	Long: `Send one outbound message exactly as POST /api/v1/sms/outbound would,
applying routing, policies and the per-extension rate limit, and print the
JSON result.

Example:
  sms-router send --from 201 --to +16315554444 "running late"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "sending extension or SIP URI")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient number")
	_ = sendCmd.MarkFlagRequired("from")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = comps.close() }()

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	ctx = context.WithValue(ctx, ctxkey.RequestIDKey{}, uuid.NewString())

	result := comps.dispatcher(cfg, logger).DispatchOutbound(ctx, message.OutboundRequest{
		From: sendFrom,
		To:   sendTo,
		Text: strings.Join(args, " "),
	})

	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if result.Status() != message.StatusSuccess {
		return fmt.Errorf("send finished with status %q", result.Status())
	}
	return nil
}
