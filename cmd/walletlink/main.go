package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/walletlink/internal/config"
	"github.com/alexjbarnes/walletlink/internal/logging"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "walletlink",
		Short: "Keep a WalletLink relay session connected",
		Long: `walletlink hosts a WalletLink session on the relay, keeps it alive
across network faults and reports what the paired wallet publishes.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		sessionCmd(),
		setMetadataCmd(),
		publishCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger every subcommand
// shares.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, logging.NewLogger(cfg.Environment, cfg.LogLevel), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
