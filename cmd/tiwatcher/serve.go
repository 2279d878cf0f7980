package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WayB98/TIWatcher/internal/di"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := di.InitializeApp(cfg)
		if err != nil {
			return fmt.Errorf("app initialization failed: %w", err)
		}

		// blocks until SIGINT/SIGTERM
		return app.Run()
	},
}
