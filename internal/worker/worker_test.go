package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/news-parser/internal/clock/system"
	"github.com/JakeFAU/news-parser/internal/crawler"
	"github.com/JakeFAU/news-parser/internal/progress"
	"github.com/JakeFAU/news-parser/internal/queue/memory"
	memstore "github.com/JakeFAU/news-parser/internal/storage/memory"
)

const articleHTML = `<html><body>
<h1 class="main-title">  Go 1.25 released </h1>
<div class="content-inner"><p>Faster builds.</p><span class="mobile-show">dup</span></div>
<div class="content-inner"><p>New vet checks.</p><script>track()</script></div>
</body></html>`

func TestHandleSuccessAcksAfterUpsert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set("https://site/a", okResponse(articleHTML))
	d := h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a", ImageURL: "https://site/a.jpg", ShortDescription: "short"})

	res := h.worker.Handle(context.Background(), d)

	require.NoError(t, res.Err)
	assert.Equal(t, StateAcked, res.State)
	assert.Equal(t, crawler.UpsertCreated, res.Outcome)
	assert.Equal(t, []string{"ack"}, d.Acker.(*fakeAcker).Calls())

	article, ok := h.store.Get("https://site/a")
	require.True(t, ok)
	assert.Equal(t, "Go 1.25 released", article.Title)
	assert.Equal(t, "Faster builds.\nNew vet checks.", article.Description)
	assert.NotContains(t, article.Description, "dup")
	assert.Equal(t, "short", article.ShortDescription)
	assert.Equal(t, "https://site/a.jpg", article.ImageURL)
	assert.Equal(t, h.clock.Now(), article.DateAdded)
}

func TestHandleFetchFailureRequeues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.setErr("https://site/a", &crawler.FetchError{URL: "https://site/a", StatusCode: http.StatusServiceUnavailable})
	d := h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"})

	res := h.worker.Handle(context.Background(), d)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFetching, res.FailedIn)
	assert.True(t, res.Requeued)
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, res.Err, &fetchErr)
	assert.Equal(t, []string{"nack:requeue"}, d.Acker.(*fakeAcker).Calls())
	assert.Empty(t, h.store.All())
}

func TestHandleEmptyTitleIsExtractionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set("https://site/a", okResponse(`<div class="content-inner">body only</div>`))
	d := h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"})

	res := h.worker.Handle(context.Background(), d)

	assert.Equal(t, StateExtracting, res.FailedIn)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, res.Err, &extractErr)
	assert.Equal(t, "title", extractErr.Field)
	assert.Equal(t, []string{"nack:requeue"}, d.Acker.(*fakeAcker).Calls())
	assert.Empty(t, h.store.All(), "nothing is persisted without a title")
}

func TestHandleMalformedMessageIsDeadLettered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	for _, body := range []string{`not json`, `{"data":{}}`, `{"type":"parse_article","data":{"url":"/relative"}}`} {
		acker := &fakeAcker{}
		res := h.worker.Handle(context.Background(), crawler.Delivery{ID: "bad", Body: []byte(body), Attempt: 1, Acker: acker})

		assert.Equal(t, StateFailed, res.State, body)
		assert.ErrorIs(t, res.Err, crawler.ErrMalformedMessage, body)
		assert.False(t, res.Requeued, body)
		assert.Equal(t, []string{"nack:drop"}, acker.Calls(), body)
	}
	assert.Zero(t, h.fetcher.Count("/relative"))
}

func TestHandleUnknownTypeIsAckedAndIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	acker := &fakeAcker{}
	res := h.worker.Handle(context.Background(), crawler.Delivery{
		ID:      "m1",
		Body:    []byte(`{"type":"reindex","data":{"anything":true}}`),
		Attempt: 1,
		Acker:   acker,
	})

	assert.Equal(t, StateAcked, res.State)
	assert.True(t, res.Ignored)
	assert.Equal(t, []string{"ack"}, acker.Calls())
	assert.Contains(t, h.events.Stages(), progress.StageIgnored)
}

func TestHandleDeadLettersAtMaxDeliveries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxDeliveries: 3})
	h.fetcher.setErr("https://site/a", &crawler.FetchError{URL: "https://site/a", Err: context.DeadlineExceeded})

	d := h.delivery(t, "m1", 2, crawler.ParseJob{URL: "https://site/a"})
	res := h.worker.Handle(context.Background(), d)
	assert.True(t, res.Requeued)

	d = h.delivery(t, "m1", 3, crawler.ParseJob{URL: "https://site/a"})
	res = h.worker.Handle(context.Background(), d)
	assert.False(t, res.Requeued)
	assert.Equal(t, []string{"nack:drop"}, d.Acker.(*fakeAcker).Calls())
	assert.Contains(t, h.events.Stages(), progress.StageDeadLettered)
}

func TestHandleDuplicateConflictIsSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set("https://site/a", okResponse(articleHTML))
	h.fetcher.set("https://site/b", okResponse(articleHTML))

	first := h.worker.Handle(context.Background(), h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"}))
	require.Equal(t, StateAcked, first.State)

	// Same title under another URL trips the legacy title constraint.
	d := h.delivery(t, "m2", 1, crawler.ParseJob{URL: "https://site/b"})
	res := h.worker.Handle(context.Background(), d)

	assert.Equal(t, StateAcked, res.State)
	assert.Empty(t, res.Outcome)
	assert.Equal(t, []string{"ack"}, d.Acker.(*fakeAcker).Calls())
	assert.Len(t, h.store.All(), 1)
	assert.Equal(t, 1, h.cache.Count(), "only the created row invalidates")
}

func TestHandleTitleConflictIsLoggedAsWarning(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	h := newLoggedHarness(t, Config{}, zap.New(core))
	h.fetcher.set("https://site/a", okResponse(articleHTML))
	h.fetcher.set("https://site/b", okResponse(articleHTML))

	require.Equal(t, StateAcked, h.worker.Handle(context.Background(), h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"})).State)
	res := h.worker.Handle(context.Background(), h.delivery(t, "m2", 1, crawler.ParseJob{URL: "https://site/b"}))
	require.Equal(t, StateAcked, res.State)

	warnings := logs.FilterMessage("article not stored: title already held by another url").All()
	require.Len(t, warnings, 1)
	entry := warnings[0]
	assert.Equal(t, zap.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "https://site/b", fields["url"])
	assert.Equal(t, "https://site/a", fields["existing_url"])
	assert.Equal(t, "Go 1.25 released", fields["title"])
}

func TestHandleStoreFailureRequeues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set("https://site/a", okResponse(articleHTML))
	store := failingStore{err: &crawler.StoreError{Op: "upsert", Err: errors.New("connection refused")}}
	w, err := New(1, Deps{Consumer: h.consumer, Fetcher: h.fetcher, Store: store, Clock: h.clock}, h.cfg, zap.NewNop())
	require.NoError(t, err)

	d := h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"})
	res := w.Handle(context.Background(), d)

	assert.Equal(t, StateUpserting, res.FailedIn)
	assert.True(t, res.Requeued)
	var storeErr *crawler.StoreError
	assert.ErrorAs(t, res.Err, &storeErr)
}

func TestHandleSideEffectsAreBestEffort(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.cache.err = errors.New("redis down")
	h.archiver.err = errors.New("bucket missing")
	h.fetcher.set("https://site/a", okResponse(articleHTML))
	d := h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"})

	res := h.worker.Handle(context.Background(), d)

	assert.Equal(t, StateAcked, res.State)
	assert.Equal(t, 1, h.cache.Count())
	assert.Equal(t, []string{"https://site/a"}, h.archiver.URLs())
	record := h.cache.Last()
	assert.Equal(t, "Go 1.25 released", record.Title)
}

func TestHandleEmitsEveryTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.set("https://site/a", okResponse(articleHTML))

	h.worker.Handle(context.Background(), h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"}))

	assert.Equal(t, []progress.Stage{
		progress.StageJobReceived,
		progress.StageFetching,
		progress.StageFetchDone,
		progress.StageExtracting,
		progress.StageUpserting,
		progress.StageAcked,
	}, h.events.Stages())
	for _, evt := range h.events.All() {
		assert.Equal(t, "m1", evt.MessageID)
		assert.NoError(t, evt.Validate())
	}
}

func TestHandleFinishesInFlightWorkAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Backoff: Backoff{Initial: time.Hour, Max: time.Hour}})
	h.fetcher.set("https://site/a", okResponse(articleHTML))
	h.fetcher.setErr("https://site/b", &crawler.FetchError{URL: "https://site/b", StatusCode: http.StatusBadGateway})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.worker.Handle(ctx, h.delivery(t, "m1", 1, crawler.ParseJob{URL: "https://site/a"}))
	assert.Equal(t, StateAcked, res.State, "processing ignores the canceled context")

	start := time.Now()
	res = h.worker.Handle(ctx, h.delivery(t, "m2", 1, crawler.ParseJob{URL: "https://site/b"}))
	assert.True(t, res.Requeued)
	assert.Less(t, time.Since(start), time.Second, "backoff is skipped on shutdown")
}

func TestRunProcessesQueueUntilCanceled(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(0)
	h := newHarness(t, Config{})
	h.fetcher.set("https://site/a", okResponse(articleHTML))
	h.fetcher.setErr("https://site/flaky", &crawler.FetchError{URL: "https://site/flaky", StatusCode: http.StatusBadGateway})
	h.fetcher.failTimes("https://site/flaky", 2, okResponse(`<h1 class="main-title">Flaky</h1><div class="content-inner">eventually</div>`))

	for _, u := range []string{"https://site/a", "https://site/flaky"} {
		body, err := crawler.EncodeParseJob(crawler.ParseJob{URL: u})
		require.NoError(t, err)
		_, err = broker.Publish(context.Background(), "news_parser", body)
		require.NoError(t, err)
	}

	w, err := New(1, Deps{Consumer: broker.NewConsumer(), Fetcher: h.fetcher, Store: h.store, Clock: h.clock}, h.cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.store.All()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.fetcher.Count("https://site/flaky"))
	assert.Zero(t, broker.Len("news_parser"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunReturnsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(0)
	h := newHarness(t, Config{})
	w, err := New(1, Deps{Consumer: broker.NewConsumer(), Fetcher: h.fetcher, Store: h.store}, h.cfg, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.NoError(t, broker.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, crawler.ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	cases := map[string]Deps{
		"consumer": {Fetcher: h.fetcher, Store: h.store},
		"fetcher":  {Consumer: h.consumer, Store: h.store},
		"store":    {Consumer: h.consumer, Fetcher: h.fetcher},
	}
	for name, deps := range cases {
		_, err := New(1, deps, h.cfg, nil)
		assert.ErrorContains(t, err, name, name)
	}
	_, err := New(1, Deps{Consumer: h.consumer, Fetcher: h.fetcher, Store: h.store}, Config{}, nil)
	assert.ErrorContains(t, err, "topic")
}

type harness struct {
	cfg      Config
	worker   *Worker
	consumer crawler.Consumer
	fetcher  *fakeFetcher
	store    *memstore.ArticleStore
	cache    *fakeCache
	archiver *fakeArchiver
	events   *recordingEmitter
	clock    *system.Manual
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newLoggedHarness(t, cfg, zap.NewNop())
}

func newLoggedHarness(t *testing.T, cfg Config, logger *zap.Logger) *harness {
	t.Helper()
	if cfg.Topic == "" {
		cfg.Topic = "news_parser"
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}
	}
	clock := system.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		cfg:      cfg,
		consumer: memory.NewBroker(0).NewConsumer(),
		fetcher:  newFakeFetcher(),
		store:    memstore.NewArticleStore(clock),
		cache:    &fakeCache{},
		archiver: &fakeArchiver{},
		events:   &recordingEmitter{},
		clock:    clock,
	}
	w, err := New(1, Deps{
		Consumer: h.consumer,
		Fetcher:  h.fetcher,
		Store:    h.store,
		Cache:    h.cache,
		Archiver: h.archiver,
		Clock:    clock,
		Progress: h.events,
	}, cfg, logger)
	require.NoError(t, err)
	h.worker = w
	return h
}

func (h *harness) delivery(t *testing.T, id string, attempt int, job crawler.ParseJob) crawler.Delivery {
	t.Helper()
	body, err := crawler.EncodeParseJob(job)
	require.NoError(t, err)
	return crawler.Delivery{ID: id, Body: body, Attempt: attempt, Acker: &fakeAcker{}}
}

func okResponse(html string) crawler.FetchResponse {
	return crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(html), Duration: 5 * time.Millisecond}
}

type fakeAcker struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAcker) Ack(context.Context) error {
	a.record("ack")
	return nil
}

func (a *fakeAcker) Nack(_ context.Context, requeue bool) error {
	if requeue {
		a.record("nack:requeue")
	} else {
		a.record("nack:drop")
	}
	return nil
}

func (a *fakeAcker) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *fakeAcker) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	errs      map[string]error
	failLeft  map[string]int
	counts    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string]crawler.FetchResponse{},
		errs:      map[string]error{},
		failLeft:  map[string]int{},
		counts:    map[string]int{},
	}
}

func (f *fakeFetcher) set(url string, resp crawler.FetchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp.URL = url
	f.responses[url] = resp
}

func (f *fakeFetcher) setErr(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
	f.failLeft[url] = -1
}

// failTimes makes url fail n times with its configured error, then succeed with resp.
func (f *fakeFetcher) failTimes(url string, n int, resp crawler.FetchResponse) {
	f.set(url, resp)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLeft[url] = n
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[url]++
	if ctx.Err() != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: url, Err: ctx.Err()}
	}
	if err, ok := f.errs[url]; ok && f.failLeft[url] != 0 {
		if f.failLeft[url] > 0 {
			f.failLeft[url]--
		}
		return crawler.FetchResponse{}, err
	}
	resp, ok := f.responses[url]
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: url, StatusCode: http.StatusNotFound}
	}
	return resp, nil
}

func (f *fakeFetcher) Count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[url]
}

type failingStore struct {
	err error
}

func (s failingStore) Upsert(context.Context, crawler.ArticleRecord) (crawler.UpsertOutcome, error) {
	return "", s.err
}

type fakeCache struct {
	mu      sync.Mutex
	err     error
	records []crawler.ArticleRecord
}

func (c *fakeCache) Invalidate(_ context.Context, record crawler.ArticleRecord, _ crawler.UpsertOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return c.err
}

func (c *fakeCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *fakeCache) Last() crawler.ArticleRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[len(c.records)-1]
}

type fakeArchiver struct {
	mu   sync.Mutex
	err  error
	urls []string
}

func (a *fakeArchiver) Archive(_ context.Context, url string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.urls = append(a.urls, url)
	if a.err != nil {
		return "", a.err
	}
	return fmt.Sprintf("memory://%d.html", len(a.urls)), nil
}

func (a *fakeArchiver) URLs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.urls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) All() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	var out []progress.Stage
	for _, evt := range r.All() {
		out = append(out, evt.Stage)
	}
	return out
}
