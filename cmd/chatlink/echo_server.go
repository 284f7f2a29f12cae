package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/echoserver"
)

func newEchoServerCmd() *cobra.Command {
	var dropPongs, omitTempID bool
	cmd := &cobra.Command{
		Use:   CmdEchoServer,
		Short: "Run a reference chat server that answers pings and echoes messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			srv := echoserver.New(cfg.Server.Addr, echoserver.Options{
				Logger:     logger.Named("echoserver"),
				DropPongs:  dropPongs,
				OmitTempID: omitTempID,
			})
			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info("echo server listening", zap.String("url", srv.URL()))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info("shutting down")
			srv.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&dropPongs, "drop-pongs", false, "never answer pings, to exercise heartbeat loss")
	cmd.Flags().BoolVar(&omitTempID, "omit-temp-id", false, "leave temp_id out of echoes, to exercise content reconciliation")
	return cmd
}
