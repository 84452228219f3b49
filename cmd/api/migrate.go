package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"tasksync/api/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var (
		status   bool
		rollback int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Migrate applies every pending *.up.sql file in MIGRATIONS_DIR, each in
its own transaction. --status lists migrations without changing anything;
--rollback N reverts the N most recent ones.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.StoreBackend == "memory" {
				return fmt.Errorf("migrate needs the postgres store backend")
			}

			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			switch {
			case status:
				migrations, err := store.MigrationStatus(ctx, db, cfg.MigrationsDir)
				if err != nil {
					return err
				}
				for _, m := range migrations {
					state := "pending"
					if m.Applied {
						state = "applied"
					}
					fmt.Fprintf(out, "%-8s %s\n", state, m.Version)
				}
			case rollback > 0:
				reverted, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, rollback)
				for _, version := range reverted {
					logger.Info("reverted migration", slog.String("version", version))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "reverted %d migration(s)\n", len(reverted))
			default:
				applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
				for _, version := range applied {
					logger.Info("applied migration", slog.String("version", version))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "applied %d migration(s)\n", len(applied))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list migrations and whether they are applied")
	cmd.Flags().IntVar(&rollback, "rollback", 0, "revert the N most recent migrations")
	return cmd
}
