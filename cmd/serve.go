package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/distributed-scraper/internal/server"
)

// newServeCmd creates the 'serve' subcommand that runs the scrape tier.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scrape tier",
		Long: `Starts the HTTP API that accepts scrape requests, tracks tasks in
memory, and forwards each fetched URL to the processing tier.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer startTracing(ctx, rt)()

			app, err := server.BuildScrape(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build scrape tier: %w", err)
			}
			return app.Run(ctx)
		},
	}
	cmd.Flags().StringP("ip", "i", "", "HTTP listen host")
	cmd.Flags().IntP("port", "p", 0, "HTTP listen port")
	cmd.Flags().String("processor-host", "", "processing tier host")
	cmd.Flags().Int("processor-port", 0, "processing tier port")
	cmd.Flags().IntP("workers", "w", 0, "parse workers")
	bindFlag(cmd, "ip", "server.host")
	bindFlag(cmd, "port", "server.port")
	bindFlag(cmd, "processor-host", "processor.host")
	bindFlag(cmd, "processor-port", "processor.port")
	bindFlag(cmd, "workers", "scraper.cpu_workers")
	return cmd
}
