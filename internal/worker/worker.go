// Package worker runs the consumer side of the pipeline: one delivery at a
// time, fetch the article, extract it, upsert it, and only then acknowledge.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/clock/system"
	"github.com/JakeFAU/news-parser/internal/crawler"
	"github.com/JakeFAU/news-parser/internal/extract"
	"github.com/JakeFAU/news-parser/internal/metrics"
	"github.com/JakeFAU/news-parser/internal/progress"
)

// State is the position of a delivery in the worker state machine.
type State string

// Worker states. Acked and Failed are terminal; the worker returns to Idle
// after either.
const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateExtracting State = "extracting"
	StateUpserting  State = "upserting"
	StateAcked      State = "acked"
	StateFailed     State = "failed"
)

const (
	defaultFetchTimeout = 30 * time.Second
	consumeErrorDelay   = time.Second
)

// Archiver stores the raw HTML of a fetched article.
type Archiver interface {
	Archive(ctx context.Context, url string, body []byte) (string, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic is the queue the worker consumes from.
	Topic string
	// FetchTimeout bounds a single article fetch.
	FetchTimeout time.Duration
	// MaxDeliveries dead-letters a failing message once its attempt reaches
	// this value. Zero leaves the limit to the broker.
	MaxDeliveries int
	Backoff       Backoff
	Selectors     extract.Selectors
}

// Deps are the collaborators a Worker is wired with. Cache, Archiver, and
// Progress are optional.
type Deps struct {
	Consumer crawler.Consumer
	Fetcher  crawler.Fetcher
	Store    crawler.ArticleStore
	Cache    crawler.CacheInvalidator
	Archiver Archiver
	Clock    crawler.Clock
	Progress progress.Emitter
}

// Result describes how one delivery ended.
type Result struct {
	// State is the terminal state, StateAcked or StateFailed.
	State State
	// FailedIn is the state the delivery failed in.
	FailedIn State
	Outcome  crawler.UpsertOutcome
	// Requeued is true when a failed delivery was returned to the queue.
	Requeued bool
	// Ignored is true for envelopes of an unknown type.
	Ignored bool
	Err     error
}

// Worker consumes parse jobs and owns the ack/nack decision for each one.
type Worker struct {
	id       int
	cfg      Config
	consumer crawler.Consumer
	fetcher  crawler.Fetcher
	store    crawler.ArticleStore
	cache    crawler.CacheInvalidator
	archiver Archiver
	clock    crawler.Clock
	progress progress.Emitter
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Consumer == nil {
		return nil, errors.New("worker: consumer is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("worker: fetcher is required")
	}
	if deps.Store == nil {
		return nil, errors.New("worker: article store is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("worker: topic is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Worker{
		id:       id,
		cfg:      cfg,
		consumer: deps.Consumer,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		cache:    deps.Cache,
		archiver: deps.Archiver,
		clock:    clock,
		progress: progress.OrNop(deps.Progress),
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
	}, nil
}

// Run consumes deliveries until ctx is canceled or the consumer is closed.
// Cancellation stops intake only: a delivery already received is processed
// to completion and settled before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.logger.Info("worker started", zap.String("topic", w.cfg.Topic))
	defer w.logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, err := w.consumer.Consume(ctx, w.cfg.Topic)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				return err
			}
			w.logger.Error("consume failed", zap.Error(err))
			sleep(ctx, consumeErrorDelay)
			continue
		}
		w.Handle(ctx, delivery)
	}
}

// Handle drives one delivery through the state machine and settles it. ctx
// cancellation is not propagated to the processing steps; it only cuts the
// requeue backoff short.
func (w *Worker) Handle(ctx context.Context, d crawler.Delivery) Result {
	work := context.WithoutCancel(ctx)
	start := w.clock.Now()
	log := w.logger.With(zap.String("message_id", d.ID), zap.Int("attempt", d.Attempt))
	w.emit(progress.Event{Stage: progress.StageJobReceived, MessageID: d.ID, Attempt: d.Attempt})

	env, err := crawler.DecodeEnvelope(d.Body)
	if err != nil {
		return w.fail(ctx, work, log, d, "", StateIdle, err, start)
	}
	job, err := env.ParseJob()
	if errors.Is(err, crawler.ErrUnknownMessageType) {
		return w.ignore(work, log, d, env.Type)
	}
	if err != nil {
		return w.fail(ctx, work, log, d, "", StateIdle, err, start)
	}

	log = log.With(zap.String("url", job.URL))
	record, outcome, failedIn, err := w.process(work, log, d, job)
	if err != nil && !errors.Is(err, crawler.ErrDuplicate) {
		return w.fail(ctx, work, log, d, job.URL, failedIn, err, start)
	}
	if err != nil {
		w.logDuplicate(log, err)
	}

	if ackErr := d.Ack(work); ackErr != nil {
		// The message will come back; the upsert makes the replay harmless.
		log.Error("ack failed", zap.Error(ackErr))
		metrics.ObserveJob("ack_error")
		return Result{State: StateFailed, FailedIn: StateAcked, Outcome: outcome, Err: ackErr}
	}
	dur := w.clock.Now().Sub(start)
	log.Info("article processed",
		zap.String("state", string(StateAcked)),
		zap.String("outcome", string(outcome)),
		zap.Duration("dur", dur),
	)
	metrics.ObserveJob("acked")
	w.emit(progress.Event{
		Stage:     progress.StageAcked,
		MessageID: d.ID,
		Attempt:   d.Attempt,
		URL:       job.URL,
		Outcome:   string(outcome),
		Dur:       dur,
	})

	if outcome != "" {
		w.invalidate(work, log, record, outcome)
	}
	return Result{State: StateAcked, Outcome: outcome}
}

// process runs Fetching, Extracting, and Upserting. On error it returns the
// state that failed.
func (w *Worker) process(
	ctx context.Context,
	log *zap.Logger,
	d crawler.Delivery,
	job crawler.ParseJob,
) (crawler.ArticleRecord, crawler.UpsertOutcome, State, error) {
	w.enter(log, d, job.URL, StateFetching)
	resp, err := w.fetch(ctx, d, job.URL)
	if err != nil {
		return crawler.ArticleRecord{}, "", StateFetching, err
	}
	w.archive(ctx, log, job.URL, resp.Body)

	w.enter(log, d, job.URL, StateExtracting)
	content, err := extract.ParseArticle(resp.Body, w.cfg.Selectors)
	if err != nil {
		return crawler.ArticleRecord{}, "", StateExtracting, err
	}

	w.enter(log, d, job.URL, StateUpserting)
	record := crawler.ArticleRecord{
		URL:              job.URL,
		Title:            content.Title,
		Description:      content.Description,
		ShortDescription: job.ShortDescription,
		ImageURL:         job.ImageURL,
	}
	outcome, err := w.store.Upsert(ctx, record)
	if err != nil {
		return record, "", StateUpserting, err
	}
	return record, outcome, StateUpserting, nil
}

func (w *Worker) fetch(ctx context.Context, d crawler.Delivery, url string) (crawler.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	resp, err := w.fetcher.Fetch(fetchCtx, url)
	status := resp.StatusCode
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode > 0 {
		status = fetchErr.StatusCode
	}
	w.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		MessageID:   d.ID,
		Attempt:     d.Attempt,
		URL:         url,
		Site:        crawler.Hostname(url),
		StatusClass: progress.ClassifyStatus(status),
		Bytes:       int64(len(resp.Body)),
		Dur:         resp.Duration,
	})
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return resp, nil
}

func (w *Worker) archive(ctx context.Context, log *zap.Logger, url string, body []byte) {
	if w.archiver == nil {
		return
	}
	uri, err := w.archiver.Archive(ctx, url, body)
	if err != nil {
		log.Warn("archive raw html failed", zap.Error(err))
		return
	}
	log.Debug("raw html archived", zap.String("uri", uri))
}

func (w *Worker) invalidate(ctx context.Context, log *zap.Logger, record crawler.ArticleRecord, outcome crawler.UpsertOutcome) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Invalidate(ctx, record, outcome); err != nil {
		metrics.IncCacheInvalidationErrors()
		log.Warn("cache invalidation failed", zap.Error(err))
	}
}

// ignore acknowledges envelopes of a type this worker does not handle.
func (w *Worker) ignore(ctx context.Context, log *zap.Logger, d crawler.Delivery, msgType string) Result {
	log.Info("ignoring message of unknown type", zap.String("type", msgType))
	w.emit(progress.Event{Stage: progress.StageIgnored, MessageID: d.ID, Attempt: d.Attempt, Note: msgType})
	metrics.ObserveJob("ignored")
	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed", zap.Error(err))
		return Result{State: StateFailed, FailedIn: StateAcked, Ignored: true, Err: err}
	}
	return Result{State: StateAcked, Ignored: true}
}

// fail settles a failed delivery. Retryable failures are requeued after a
// backoff; malformed messages and messages past MaxDeliveries are rejected
// without requeue so the broker dead-letters them.
func (w *Worker) fail(
	runCtx context.Context,
	ctx context.Context,
	log *zap.Logger,
	d crawler.Delivery,
	url string,
	failedIn State,
	cause error,
	start time.Time,
) Result {
	res := Result{State: StateFailed, FailedIn: failedIn, Err: cause}
	log = log.With(zap.String("state", string(StateFailed)), zap.String("failed_in", string(failedIn)))
	evt := progress.Event{MessageID: d.ID, Attempt: d.Attempt, URL: url, Note: cause.Error()}

	exhausted := w.cfg.MaxDeliveries > 0 && d.Attempt >= w.cfg.MaxDeliveries
	if !crawler.IsRetryable(cause) || exhausted {
		log.Warn("rejecting message", zap.Error(cause), zap.Bool("exhausted", exhausted))
		if err := d.Nack(ctx, false); err != nil {
			log.Error("nack failed", zap.Error(err))
		}
		metrics.ObserveJob("dead_lettered")
		evt.Stage = progress.StageDeadLettered
		evt.Dur = w.clock.Now().Sub(start)
		w.emit(evt)
		return res
	}

	delay := w.cfg.Backoff.Delay(d.Attempt)
	log.Warn("job failed, requeueing", zap.Error(cause), zap.Duration("backoff", delay))
	sleep(runCtx, delay)
	if err := d.Nack(ctx, true); err != nil {
		log.Error("nack failed", zap.Error(err))
	} else {
		res.Requeued = true
	}
	metrics.ObserveJob("failed")
	evt.Stage = progress.StageFailed
	evt.Dur = w.clock.Now().Sub(start)
	w.emit(evt)
	return res
}

// logDuplicate reports a settled duplicate. A URL race is routine; a title
// held by another URL means this article is never stored, so it is surfaced.
func (w *Worker) logDuplicate(log *zap.Logger, err error) {
	var conflict *crawler.TitleConflictError
	if errors.As(err, &conflict) && conflict.ExistingURL != conflict.URL {
		log.Warn("article not stored: title already held by another url",
			zap.String("title", conflict.Title),
			zap.String("existing_url", conflict.ExistingURL),
			zap.Error(err),
		)
		metrics.IncTitleConflicts()
		return
	}
	log.Info("article already written by a concurrent worker", zap.Error(err))
}

func (w *Worker) enter(log *zap.Logger, d crawler.Delivery, url string, state State) {
	log.Debug("state transition", zap.String("state", string(state)))
	w.emit(progress.Event{Stage: stageFor(state), MessageID: d.ID, Attempt: d.Attempt, URL: url})
}

func (w *Worker) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now().UTC()
	}
	w.progress.Emit(evt)
}

func stageFor(state State) progress.Stage {
	switch state {
	case StateFetching:
		return progress.StageFetching
	case StateExtracting:
		return progress.StageExtracting
	case StateUpserting:
		return progress.StageUpserting
	case StateAcked:
		return progress.StageAcked
	case StateFailed:
		return progress.StageFailed
	default:
		return progress.StageJobReceived
	}
}
