// Package scanner is the producer side of the pipeline. A scan fetches one
// listing page, extracts its article stubs, and publishes a parse job per
// stub.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/clock/system"
	"github.com/JakeFAU/news-parser/internal/crawler"
	"github.com/JakeFAU/news-parser/internal/extract"
	"github.com/JakeFAU/news-parser/internal/metrics"
	"github.com/JakeFAU/news-parser/internal/progress"
)

const defaultFetchTimeout = 30 * time.Second

// Config controls Scanner behavior.
type Config struct {
	// Topic is the queue parse jobs are published to.
	Topic        string
	FetchTimeout time.Duration
	Selectors    extract.Selectors
}

// Scanner turns a listing page into queued parse jobs.
type Scanner struct {
	cfg       Config
	fetcher   crawler.Fetcher
	publisher crawler.Publisher
	clock     crawler.Clock
	progress  progress.Emitter
	logger    *zap.Logger
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithProgress reports scan milestones and skipped items to e.
func WithProgress(e progress.Emitter) Option {
	return func(s *Scanner) { s.progress = progress.OrNop(e) }
}

// WithClock overrides the clock used for durations.
func WithClock(c crawler.Clock) Option {
	return func(s *Scanner) {
		if c != nil {
			s.clock = c
		}
	}
}

// New constructs a Scanner.
func New(fetcher crawler.Fetcher, publisher crawler.Publisher, cfg Config, logger *zap.Logger, opts ...Option) (*Scanner, error) {
	if fetcher == nil {
		return nil, errors.New("scanner: fetcher is required")
	}
	if publisher == nil {
		return nil, errors.New("scanner: publisher is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("scanner: topic is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{
		cfg:       cfg,
		fetcher:   fetcher,
		publisher: publisher,
		clock:     system.New(),
		progress:  progress.Nop{},
		logger:    logger.Named("scanner"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Scan fetches listingURL and publishes one job per discovered article. It
// returns the number of jobs published. A listing that cannot be fetched or
// parsed fails the whole scan; a broken item or a failed publish is logged and
// skipped.
func (s *Scanner) Scan(ctx context.Context, listingURL string) (int, error) {
	start := s.clock.Now()
	log := s.logger.With(zap.String("listing_url", listingURL))

	base, err := url.Parse(listingURL)
	if err != nil || !crawler.IsAbsoluteURL(listingURL) {
		return 0, fmt.Errorf("listing url %q must be an absolute http(s) url", listingURL)
	}
	s.emit(progress.Event{Stage: progress.StageScanStart, URL: listingURL})

	listing, err := s.fetchListing(ctx, base, listingURL)
	if err != nil {
		log.Error("scan failed", zap.Error(err))
		s.emit(progress.Event{Stage: progress.StageScanError, URL: listingURL, Note: err.Error(), Dur: s.since(start)})
		return 0, err
	}

	for _, skipped := range listing.Skipped {
		log.Warn("listing item skipped", zap.Int("item", skipped.Index), zap.Error(skipped.Err))
		s.emit(progress.Event{
			Stage: progress.StageItemSkipped,
			URL:   listingURL,
			Note:  fmt.Sprintf("item %d: %v", skipped.Index, skipped.Err),
		})
	}

	published := 0
	for _, stub := range listing.Stubs {
		id, err := s.publish(ctx, crawler.JobFromStub(stub))
		if err != nil {
			log.Warn("publish failed", zap.String("url", stub.URL), zap.Error(err))
			s.emit(progress.Event{Stage: progress.StagePublishFailed, URL: stub.URL, Note: err.Error()})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		published++
		log.Debug("job published", zap.String("url", stub.URL), zap.String("message_id", id))
		s.emit(progress.Event{Stage: progress.StageJobPublished, URL: stub.URL, MessageID: id})
	}

	metrics.AddScanPublished(published)
	log.Info("scan finished",
		zap.Int("published", published),
		zap.Int("found", len(listing.Stubs)),
		zap.Int("skipped", len(listing.Skipped)),
	)
	s.emit(progress.Event{Stage: progress.StageScanDone, URL: listingURL, Count: published, Dur: s.since(start)})
	return published, nil
}

func (s *Scanner) fetchListing(ctx context.Context, base *url.URL, listingURL string) (extract.ListingResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	resp, err := s.fetcher.Fetch(fetchCtx, listingURL)
	if err != nil {
		return extract.ListingResult{}, fmt.Errorf("fetch listing: %w", err)
	}
	listing, err := extract.ScanListing(resp.Body, base, s.cfg.Selectors)
	if err != nil {
		return extract.ListingResult{}, fmt.Errorf("extract listing: %w", err)
	}
	return listing, nil
}

func (s *Scanner) publish(ctx context.Context, job crawler.ParseJob) (string, error) {
	payload, err := crawler.EncodeParseJob(job)
	if err != nil {
		return "", err
	}
	id, err := s.publisher.Publish(ctx, s.cfg.Topic, payload)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", s.cfg.Topic, err)
	}
	return id, nil
}

func (s *Scanner) emit(evt progress.Event) {
	evt.TS = s.clock.Now().UTC()
	s.progress.Emit(evt)
}

func (s *Scanner) since(start time.Time) time.Duration {
	return s.clock.Now().Sub(start)
}
