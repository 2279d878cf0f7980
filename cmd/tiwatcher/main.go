package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/WayB98/TIWatcher/pkg/config"
)

// Version is injected via ldflags at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tiwatcher",
	Short: "TIWatcher - match reported host connections against threat indicators",
	Long: `TIWatcher collects outbound connection snapshots from collector agents,
matches every remote endpoint against the enabled indicators of compromise,
records alerts and streams them live to connected observers.

Examples:
  tiwatcher serve --config config.yaml   # Run the detection server
  tiwatcher migrate                      # Create the ledger schema
  tiwatcher agent --server http://watcher:5000 --connections-file conns.json
`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML); defaults plus environment when empty")
	rootCmd.AddCommand(serveCmd, migrateCmd, agentCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
