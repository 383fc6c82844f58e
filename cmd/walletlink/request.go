package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/walletlink/internal/config"
	"github.com/alexjbarnes/walletlink/internal/state"
	"github.com/alexjbarnes/walletlink/internal/walletlink"
)

// withConnection runs fn against a connection for the stored session and
// tears it down afterwards. timeout bounds the whole call, including the
// wait for the handshake or link.
func withConnection(timeout time.Duration, fn func(ctx context.Context, conn *walletlink.Connection) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = cfg.RequestTimeout
	}

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	s, err := loadSession(st)
	if err != nil {
		return err
	}

	return callWithSession(cfg, s, logger, timeout, fn)
}

func callWithSession(cfg *config.Config, s walletlink.Session, logger *slog.Logger, timeout time.Duration, fn func(ctx context.Context, conn *walletlink.Connection) error) error {
	conn, err := newConnection(cfg, s, nil, nil, logger)
	if err != nil {
		return err
	}
	defer conn.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	return fn(ctx, conn)
}

func setMetadataCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "set-metadata KEY VALUE",
		Short: "Store a metadata value on the relay session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			return withConnection(timeout, func(ctx context.Context, conn *walletlink.Connection) error {
				if err := conn.SetSessionMetadata(ctx, key, value); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "set %s\n", key)

				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall timeout (default WALLETLINK_REQUEST_TIMEOUT)")

	return cmd
}

func publishCmd() *cobra.Command {
	var (
		timeout     time.Duration
		callWebhook bool
	)

	cmd := &cobra.Command{
		Use:   "publish EVENT JSON",
		Short: "Encrypt and publish an event to the linked wallet",
		Long: `Publish EVENT with the JSON object as its payload. The origin and
relay source are added to the payload before it is encrypted. Waits until
a wallet is linked to the session.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := args[0]

			var data map[string]any
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}

			return withConnection(timeout, func(ctx context.Context, conn *walletlink.Connection) error {
				eventID, err := conn.PublishEvent(ctx, event, data, callWebhook)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "published %s as %s\n", event, eventID)

				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall timeout (default WALLETLINK_REQUEST_TIMEOUT)")
	cmd.Flags().BoolVar(&callWebhook, "webhook", false, "Ask the relay to call the wallet's push webhook")

	return cmd
}
