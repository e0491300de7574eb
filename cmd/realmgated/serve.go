package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/realmgate/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Logging.Version == "" {
			cfg.Logging.Version = version
		}
		logger := logging.New(cfg.Logging, os.Stdout)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		gw, err := newGateway(ctx, cfg, logger)
		if err != nil {
			logging.WithError(logger.Error(), err).Msg("failed to assemble gateway")
			return err
		}
		return gw.run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// run starts the service and blocks until ctx ends or the HTTP server
// fails, then stops it within the shutdown timeout.
func (gw *gateway) run(ctx context.Context) error {
	if err := gw.svc.Start(ctx); err != nil {
		logging.WithError(gw.logger.Error(), err).Msg("startup failed")
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gw.cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, gw.abort(stopCtx))
	}
	gw.logger.Info().Str("addr", gw.http.Addr().String()).Str("version", version).Msg("gateway running")

	var serveErr error
	select {
	case <-ctx.Done():
		gw.logger.Info().Msg("shutdown signal received")
	case serveErr = <-gw.http.Err():
		logging.WithError(gw.logger.Error(), serveErr).Msg("http server failed")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gw.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, gw.svc.Stop(stopCtx))
}
