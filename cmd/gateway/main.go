package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lobbyserv/gateway/internal/app"
	"github.com/lobbyserv/gateway/internal/config"
	"github.com/lobbyserv/gateway/internal/log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		lobbyAddr  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Remote-access gateway for the channel administration bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			bootLog := log.New(logLevel, "console")

			cfg, path, err := config.Load(bootLog, configPath)
			if err != nil {
				return err
			}

			// Command-line flags win over config file and env.
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if lobbyAddr != "" {
				cfg.LobbyAddr = lobbyAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logger := log.New(cfg.LogLevel, cfg.LogFormat)
			logger.Info().Str("config", path).Msg("configuration loaded")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(cfg, logger)
			if err != nil {
				return err
			}

			logger.Info().Str("listen", cfg.ListenAddr).Str("lobby", cfg.LobbyAddr).Msg("starting gateway")
			if err := application.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("gateway stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "downstream listen address (overrides config)")
	cmd.Flags().StringVar(&lobbyAddr, "lobby", "", "upstream lobby server address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}
