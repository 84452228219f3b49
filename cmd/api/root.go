package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"tasksync/api/internal/config"
	"tasksync/api/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tasksync-api",
		Short: "Task API with realtime sync and edit locks",
		Long: `tasksync-api serves the task REST API and the realtime WebSocket gateway.
Clients take short-lived edit locks on tasks; every committed write is
broadcast to all connected clients.

Without a subcommand it runs "serve".`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (overrides TASKSYNC_CONFIG)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return root
}

// loadConfig reads configuration for cmd and builds the process logger.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(file)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel)
	return cfg, logger, nil
}
