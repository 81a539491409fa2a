package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hearthd/hearthd/pkg/api"
	"github.com/hearthd/hearthd/pkg/config"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/supervisor"
	"github.com/spf13/cobra"
)

var (
	serveDebug    bool
	serveJSONLogs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hearthd daemon",
	Long: `Run the supervisor and the control-plane API in the foreground.

Configuration is read from the environment (and a .env file in the
working directory, if present). DATA_ROOT is required; everything else
has a default. The process shuts down cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := log.InfoLevel
		if serveDebug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: serveJSONLogs})

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}

		sup, err := supervisor.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build supervisor: %w", err)
		}
		defer sup.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := sup.Startup(ctx); err != nil {
			return fmt.Errorf("startup failed: %w", err)
		}

		server := api.NewServer(cfg, sup)
		if err := server.Run(ctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		log.WithComponent("main").Info().Msg("hearthd stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	serveCmd.Flags().BoolVar(&serveJSONLogs, "json-logs", false, "log JSON instead of console output")
}
