package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WayB98/TIWatcher/internal/agent"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
)

var (
	agentServer   string
	agentToken    string
	agentHost     string
	agentInterval time.Duration
	agentFile     string
	agentOnce     bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Report this host's connections to a TIWatcher server",
	Long: `Run the collector agent's reporting loop. Connections are read from a JSON
file (an array of {laddr, raddr, status, pid}) that an external collector
keeps up to date; the file is re-read on every tick.

Examples:
  tiwatcher agent --server http://watcher:5000 --token s3cret --connections-file /run/conns.json
  tiwatcher agent --connections-file conns.json --once
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if agentFile == "" {
			return errors.New("--connections-file is required")
		}
		if agentToken == "" {
			agentToken = os.Getenv("AGENT_TOKEN")
		}

		l, err := applogger.New(&applogger.Config{Level: "info", Format: "console", Output: "stderr"})
		if err != nil {
			return err
		}

		r := agent.NewReporter(agent.Config{
			ServerURL: agentServer,
			Token:     agentToken,
			Host:      agentHost,
			Interval:  agentInterval,
		}, agent.FileSource(agentFile), l, xhttp.WithTimeout(10*time.Second))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if agentOnce {
			n, err := r.ReportOnce(ctx)
			if err != nil {
				return err
			}
			l.Info("report sent", applogger.Int("alerts_created", n))
			return nil
		}
		return r.Run(ctx)
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentServer, "server", "http://127.0.0.1:5000", "TIWatcher server base URL")
	agentCmd.Flags().StringVar(&agentToken, "token", "", "agent token (defaults to $AGENT_TOKEN)")
	agentCmd.Flags().StringVar(&agentHost, "host", "", "host name to report (defaults to the OS hostname)")
	agentCmd.Flags().DurationVar(&agentInterval, "interval", 10*time.Second, "reporting interval")
	agentCmd.Flags().StringVar(&agentFile, "connections-file", "", "JSON file listing current connections")
	agentCmd.Flags().BoolVar(&agentOnce, "once", false, "send a single report and exit")
}
