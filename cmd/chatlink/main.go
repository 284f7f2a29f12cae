package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/config"
	"github.com/omochice/chatlink/internal/logging"
)

const (
	CmdConnect    = "connect"
	CmdEchoServer = "echo-server"
	CmdConfig     = "config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatlink",
		Short: "Resilient websocket chat client with connection diagnostics",
		Long: `chatlink keeps one chat stream alive over an unreliable websocket:
it reconnects with backoff, measures heartbeat latency, retries unconfirmed
messages and scores the connection quality.

  chatlink echo-server --listen :8080
  chatlink connect --url ws://localhost:8080/ws --conversation general
  chatlink config --url ws://localhost:8080/ws`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(newConnectCmd(), newEchoServerCmd(), newConfigCmd())
	return root
}

// load resolves the configuration and builds the logger for cmd.
func load(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.FromConfig(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   CmdConfig,
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load("", cmd.Flags())
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
