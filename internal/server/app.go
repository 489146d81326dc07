// Package server builds the news-parser runtime from configuration and owns
// its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/api"
	"github.com/JakeFAU/news-parser/internal/archive"
	rediscache "github.com/JakeFAU/news-parser/internal/cache/redis"
	"github.com/JakeFAU/news-parser/internal/clock/system"
	"github.com/JakeFAU/news-parser/internal/config"
	"github.com/JakeFAU/news-parser/internal/crawler"
	"github.com/JakeFAU/news-parser/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/news-parser/internal/fetcher/colly"
	"github.com/JakeFAU/news-parser/internal/hash/sha256"
	"github.com/JakeFAU/news-parser/internal/id/uuid"
	"github.com/JakeFAU/news-parser/internal/metrics"
	"github.com/JakeFAU/news-parser/internal/policy/ratelimit"
	"github.com/JakeFAU/news-parser/internal/progress"
	progresssinks "github.com/JakeFAU/news-parser/internal/progress/sinks"
	"github.com/JakeFAU/news-parser/internal/queue"
	amqpqueue "github.com/JakeFAU/news-parser/internal/queue/amqp"
	memoryqueue "github.com/JakeFAU/news-parser/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/news-parser/internal/queue/pubsub"
	"github.com/JakeFAU/news-parser/internal/scanner"
	"github.com/JakeFAU/news-parser/internal/schedule"
	gcsstorage "github.com/JakeFAU/news-parser/internal/storage/gcs"
	localstorage "github.com/JakeFAU/news-parser/internal/storage/local"
	memorystorage "github.com/JakeFAU/news-parser/internal/storage/memory"
	pgstore "github.com/JakeFAU/news-parser/internal/storage/postgres"
	"github.com/JakeFAU/news-parser/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired components. Which of them run is decided by the caller:
// Scan for one-shot scans, RunWorkers for a consumer process, Serve for both
// plus the HTTP surface and the scan schedule.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	broker     queue.Broker
	scanner    *scanner.Scanner
	dispatcher *dispatcher.Dispatcher
	api        *api.Server
	hub        *progress.Hub
	checks     map[string]api.Check

	closers []func(context.Context) error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers the progress collectors against reg instead of the
// default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// Build wires every component named by cfg. Resources opened before a failure
// are released before the error is returned.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, checks: map[string]api.Check{}}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.logger.Info("building application",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("queue", cfg.Queue.Name),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("redis", cfg.Cache.Redis.Address != ""),
	)

	clock := system.New()

	if err = a.setupProgress(o.registerer); err != nil {
		return nil, err
	}
	if err = a.setupBroker(ctx); err != nil {
		return nil, err
	}
	store, err := a.setupStore(ctx, clock)
	if err != nil {
		return nil, err
	}
	cache, err := a.setupCache(ctx)
	if err != nil {
		return nil, err
	}
	archiver, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitRPS,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.FetchTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	}, collyfetcher.WithLimiter(limiter))

	a.scanner, err = scanner.New(fetcher, a.broker, scanner.Config{
		Topic:        cfg.Queue.Name,
		FetchTimeout: cfg.FetchTimeout(),
		Selectors:    cfg.Selectors,
	}, logger, scanner.WithProgress(a.hub), scanner.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("scanner init failed: %w", err)
	}

	initial, maxDelay := cfg.Backoff()
	workerCfg := worker.Config{
		Topic:         cfg.Queue.Name,
		FetchTimeout:  cfg.FetchTimeout(),
		MaxDeliveries: cfg.Worker.MaxDeliveries,
		Backoff:       worker.Backoff{Initial: initial, Max: maxDelay},
		Selectors:     cfg.Selectors,
	}
	a.dispatcher = dispatcher.New(a.broker, cfg.Worker.Concurrency,
		func(id int, consumer crawler.Consumer) (dispatcher.Runner, error) {
			return worker.New(id, worker.Deps{
				Consumer: consumer,
				Fetcher:  fetcher,
				Store:    store,
				Cache:    cache,
				Archiver: archiver,
				Clock:    clock,
				Progress: a.hub,
			}, workerCfg, logger)
		}, logger)

	a.api = api.NewServer(a.scanner, api.Options{
		DefaultListingURL: cfg.Listing.URL,
		ScanTimeout:       2 * cfg.FetchTimeout(),
		Checks:            a.checks,
	}, logger)

	return a, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger},
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
	)
	a.closers = append(a.closers, a.hub.Close)
	return nil
}

func (a *App) setupBroker(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case config.QueueAMQP:
		b, err := amqpqueue.Dial(amqpqueue.Config{
			URL:                a.cfg.Queue.AMQP.URL,
			DeadLetterExchange: a.cfg.Queue.AMQP.DeadLetterExchange,
			ConsumerPrefix:     "newsparser",
		}, uuid.NewUUIDGenerator(), a.logger)
		if err != nil {
			return fmt.Errorf("amqp broker init failed: %w", err)
		}
		a.broker = b
	case config.QueuePubSub:
		b, err := pubsubqueue.New(ctx, pubsubqueue.Config{
			ProjectID:    a.cfg.Queue.PubSub.ProjectID,
			Subscription: a.cfg.Queue.PubSub.Subscription,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub broker init failed: %w", err)
		}
		a.broker = b
	default:
		a.logger.Warn("using in-memory queue; jobs do not survive a restart")
		a.broker = memoryqueue.NewBroker(a.cfg.Queue.Memory.Capacity,
			memoryqueue.WithIDGenerator(uuid.NewUUIDGenerator()))
	}
	a.closers = append(a.closers, func(context.Context) error { return a.broker.Close() })
	return nil
}

func (a *App) setupStore(ctx context.Context, clock crawler.Clock) (crawler.ArticleStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory article store")
		return memorystorage.NewArticleStore(clock), nil
	}
	store, err := pgstore.NewArticleStore(ctx, pgstore.ArticleStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}, clock)
	if err != nil {
		return nil, fmt.Errorf("article store init failed: %w", err)
	}
	a.checks["postgres"] = store.Ping
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	a.logger.Info("article store initialized", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupCache(ctx context.Context) (crawler.CacheInvalidator, error) {
	if a.cfg.Cache.Redis.Address == "" {
		return nil, nil
	}
	inv, err := rediscache.Dial(ctx, rediscache.Config{
		Address:   a.cfg.Cache.Redis.Address,
		Password:  a.cfg.Cache.Redis.Password,
		DB:        a.cfg.Cache.Redis.DB,
		KeyPrefix: a.cfg.Cache.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	a.checks["redis"] = inv.Ping
	a.closers = append(a.closers, func(context.Context) error { return inv.Close() })
	a.logger.Info("cache invalidation enabled", zap.String("address", a.cfg.Cache.Redis.Address))
	return inv, nil
}

func (a *App) setupArchive(ctx context.Context) (worker.Archiver, error) {
	var blobs crawler.BlobStore
	switch a.cfg.Archive.Backend {
	case config.ArchiveMemory:
		blobs = memorystorage.NewBlobStore()
	case config.ArchiveLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		blobs = local
	case config.ArchiveGCS:
		gcs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return gcs.Close() })
		blobs = gcs
	default:
		return nil, nil
	}
	arch, err := archive.New(blobs, sha256.New(), a.cfg.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	a.logger.Info("raw article archive enabled", zap.String("backend", a.cfg.Archive.Backend))
	return arch, nil
}

// Scan runs one listing scan and returns the number of jobs published.
func (a *App) Scan(ctx context.Context, listingURL string) (int, error) {
	if listingURL == "" {
		listingURL = a.cfg.Listing.URL
	}
	return a.scanner.Scan(ctx, listingURL)
}

// RunWorkers consumes parse jobs until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	a.logger.Info("dispatcher started", zap.Int("concurrency", a.cfg.Worker.Concurrency))
	return a.dispatcher.Run(ctx)
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// ServeOptions selects what Serve runs next to the HTTP server.
type ServeOptions struct {
	Workers  bool
	Schedule bool
}

// Serve runs the HTTP server and, per opts, the worker pool and the scan
// schedule. It blocks until ctx is cancelled or a component fails.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	errs := make(chan error, 2)

	if opts.Workers {
		go func() {
			err := a.RunWorkers(ctx)
			if err != nil {
				a.logger.Error("workers stopped", zap.Error(err))
			}
			errs <- err
			stop()
		}()
	}

	var sched *schedule.Scheduler
	if opts.Schedule && a.cfg.Schedule.Enabled {
		sched = schedule.New(a.logger)
		if _, err := sched.AddScan(a.cfg.Schedule.Cron, a.cfg.Listing.URL, a.scanner); err != nil {
			return fmt.Errorf("schedule scan: %w", err)
		}
		sched.Start()
		a.logger.Info("scan schedule started", zap.String("cron", a.cfg.Schedule.Cron))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errs <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var result error
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			result = errors.Join(result, err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
		result = errors.Join(result, err)
	}
	if opts.Workers {
		select {
		case err := <-errs:
			result = errors.Join(result, err)
		case <-shutdownCtx.Done():
			result = errors.Join(result, shutdownCtx.Err())
		}
	}
	select {
	case err := <-errs:
		result = errors.Join(result, err)
	default:
	}
	return result
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var result error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			result = errors.Join(result, err)
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return result
}
