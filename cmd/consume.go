package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/news-parser/internal/server"
)

func newConsumeCmd() *cobra.Command {
	var withHTTP bool
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run parse workers until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App, _ *runtime) error {
				if withHTTP {
					return app.Serve(ctx, server.ServeOptions{Workers: true})
				}
				return app.RunWorkers(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&withHTTP, "http", true, "serve health and metrics endpoints next to the workers")
	return cmd
}
