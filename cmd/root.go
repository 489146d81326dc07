// Package cmd defines the newsparser CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/config"
	"github.com/JakeFAU/news-parser/internal/logging"
	"github.com/JakeFAU/news-parser/internal/server"
)

// App is the slice of the runtime the commands drive. Tests swap in a fake.
type App interface {
	Scan(ctx context.Context, listingURL string) (int, error)
	RunWorkers(ctx context.Context) error
	Serve(ctx context.Context, opts server.ServeOptions) error
	Close(ctx context.Context) error
}

type runtimeKeyType struct{}

var runtimeKey runtimeKeyType

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp builds the application. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "newsparser",
		Short: "Scans a news listing and parses articles through a durable queue.",
		Long: `newsparser discovers articles on a news listing page, publishes one parse
job per article to the news_parser queue, and runs workers that fetch each
article, extract its title and body, and upsert it keyed by URL.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newScanCmd(), newConsumeCmd(), newServeCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the application, runs fn, and closes the application.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app App, rt *runtime) error) (err error) {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	app, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			rt.logger.Warn("close failed", zap.Error(cerr))
		}
	}()
	return fn(ctx, app, rt)
}

// Execute runs the CLI until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
