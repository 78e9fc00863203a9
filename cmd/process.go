package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/distributed-scraper/internal/server"
)

// newProcessCmd creates the 'process' subcommand that runs the processing tier.
func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the TCP processing tier",
		Long: `Starts the framed TCP server that captures screenshots, measures
page performance and builds image thumbnails for each requested URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer startTracing(ctx, rt)()

			app, err := server.BuildProcess(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build processing tier: %w", err)
			}
			return app.Run(ctx)
		},
	}
	cmd.Flags().StringP("ip", "i", "", "TCP listen host")
	cmd.Flags().IntP("port", "p", 0, "TCP listen port")
	cmd.Flags().IntP("processes", "n", 0, "worker pool size")
	cmd.Flags().Int("metrics-port", 0, "Prometheus listener port (0 disables)")
	cmd.Flags().Bool("headless", true, "capture screenshots with Chrome")
	bindFlag(cmd, "ip", "processor.host")
	bindFlag(cmd, "port", "processor.port")
	bindFlag(cmd, "processes", "processor.pool_size")
	bindFlag(cmd, "metrics-port", "processor.metrics_port")
	bindFlag(cmd, "headless", "headless.enabled")
	return cmd
}
