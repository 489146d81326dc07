// Package schedule triggers periodic listing scans on a cron expression.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scanner is the scan entry point the scheduler triggers.
type Scanner interface {
	Scan(ctx context.Context, listingURL string) (int, error)
}

// Scheduler wraps a cron runner. Panicking scans are recovered and a scan is
// skipped while the previous run of the same entry is still going.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Scheduler that accepts five-field cron specs and @descriptors.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("schedule")
	cl := cronLogger{logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddScan registers a scan of listingURL on spec.
func (s *Scheduler) AddScan(spec, listingURL string, scanner Scanner) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		n, err := scanner.Scan(s.ctx, listingURL)
		if err != nil {
			s.logger.Error("scheduled scan failed", zap.String("listing_url", listingURL), zap.Error(err))
			return
		}
		s.logger.Info("scheduled scan finished",
			zap.String("listing_url", listingURL),
			zap.Int("published", n),
			zap.Duration("dur", time.Since(start)),
		)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.logger.Info("scan scheduled", zap.String("spec", spec), zap.String("listing_url", listingURL))
	return id, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels the context of running scans, and waits for
// them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running scans: %w", ctx.Err())
	}
}

// Entries reports the number of registered entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
