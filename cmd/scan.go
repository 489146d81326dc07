package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [listing-url]",
		Short: "Scan a listing page once and publish parse jobs",
		Long: `Fetches the listing page (listing.url unless given as an argument), and
publishes one parse_article job per discovered article.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App, rt *runtime) error {
				listingURL := rt.cfg.Listing.URL
				if len(args) == 1 {
					listingURL = args[0]
				}
				n, err := app.Scan(ctx, listingURL)
				if err != nil {
					return fmt.Errorf("scan %s: %w", listingURL, err)
				}
				rt.logger.Info("scan finished", zap.String("listing_url", listingURL), zap.Int("published", n))
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "published %d jobs\n", n)
				return nil
			})
		},
	}
}
