package commands

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/borgmanager/borgmanager/pkg/catalog"
	"github.com/borgmanager/borgmanager/pkg/inbox"
)

func newWatchCommand() *cobra.Command {
	var (
		rescan      string
		settle      time.Duration
		patterns    []string
		label       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Ingest borg output as it lands in a directory",
		Long: `Watch an inbox directory and ingest every matching file once it stops
changing. Files already in the directory are ingested on start, and the
whole directory is rescanned on a cron schedule to catch missed events.

A file is ingested again only when its modification time changes. With
--json every ingest event is printed to stdout as one line of JSON.`,
		Example: `  # Watch with the configured patterns and schedule
  borgmanager watch /var/spool/borg

  # Serve Prometheus metrics while watching
  borgmanager watch /var/spool/borg --metrics-addr :9464

  # Stream ingest events as JSON lines
  borgmanager watch /var/spool/borg --json

  # Rescan hourly, only .log files
  borgmanager watch /var/spool/borg --rescan @hourly --pattern '*.log'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events io.Writer
			if jsonOutput {
				events = cmd.OutOrStdout()
			}
			env, err := newEnvironment(cmd.Context(), events)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			wcfg := inbox.Config{
				Dir:      args[0],
				Patterns: env.cfg.Watch.Patterns,
				Rescan:   env.cfg.Watch.Rescan,
				Settle:   env.cfg.Watch.Settle,
			}
			if cmd.Flags().Changed("rescan") {
				wcfg.Rescan = rescan
			}
			if cmd.Flags().Changed("settle") {
				wcfg.Settle = settle
			}
			if cmd.Flags().Changed("pattern") {
				wcfg.Patterns = patterns
			}
			addr := env.cfg.Telemetry.Metrics.ListenAddress
			if cmd.Flags().Changed("metrics-addr") {
				addr = metricsAddr
			}

			opts := catalog.IngestOptions{Label: label}
			watcher, err := inbox.New(wcfg, func(ctx context.Context, path string) error {
				_, err := env.ingestFile(ctx, cmd.InOrStdin(), path, opts)
				return err
			}, env.logger)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return env.tel.Metrics.Serve(ctx, addr)
			})
			g.Go(func() error {
				return watcher.Run(ctx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&rescan, "rescan", "", "cron schedule for full rescans (empty disables)")
	cmd.Flags().DurationVar(&settle, "settle", 0, "how long a file must be unchanged before it is ingested")
	cmd.Flags().StringSliceVar(&patterns, "pattern", nil, "file name glob to ingest (repeatable)")
	cmd.Flags().StringVar(&label, "label", "", "label to attach to every ingested repository")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")

	return cmd
}
