package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/news-parser/internal/server"
)

func newServeCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface, the scan schedule, and the workers",
		Long: `Serves /healthz, /readyz, /metrics, and POST /v1/scans. Periodic scans run
when schedule.enabled is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App, _ *runtime) error {
				return app.Serve(ctx, server.ServeOptions{Workers: !noWorkers, Schedule: true})
			})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not consume parse jobs in this process")
	return cmd
}
