package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/WayB98/TIWatcher/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the indicators, connections and alerts tables",
	Long: `Create the ledger schema in the configured database. Safe to run
repeatedly; existing tables and rows are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		db, err := database.Open(ctx, cfg.Database.URL, database.WithBusyTimeout(cfg.Database.BusyTimeout))
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Database initialized (%s).\n", db.Dialect())
		return nil
	},
}
