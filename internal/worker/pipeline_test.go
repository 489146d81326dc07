package worker_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/clock/system"
	collyfetcher "github.com/JakeFAU/news-parser/internal/fetcher/colly"
	"github.com/JakeFAU/news-parser/internal/queue/memory"
	"github.com/JakeFAU/news-parser/internal/scanner"
	memstore "github.com/JakeFAU/news-parser/internal/storage/memory"
	"github.com/JakeFAU/news-parser/internal/worker"
)

const topic = "news_parser"

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/category/news/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><div class="col sidebar-center">
<div class="lenta-item"><div><a href="/pinned">Pinned</a></div></div>
<div class="lenta-item"><div><a href="/a">A</a></div><div><p>Preview of A</p></div></div>
</div></body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><h1 class="main-title">T</h1>
<div class="content-inner">B<span class="mobile-hide">dup</span></div></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestScanThenConsumeCreatesOneArticleAndReplayUpdatesIt(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	clock := system.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	broker := memory.NewBroker(0)
	store := memstore.NewArticleStore(clock)
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})

	sc, err := scanner.New(fetcher, broker, scanner.Config{Topic: topic}, zap.NewNop())
	require.NoError(t, err)
	n, err := sc.Scan(context.Background(), site.URL+"/category/news/")
	require.NoError(t, err)
	require.Equal(t, 1, n, "pinned item is skipped")
	require.Equal(t, 1, broker.Len(topic))

	consumer := broker.NewConsumer()
	w, err := worker.New(1, worker.Deps{Consumer: consumer, Fetcher: fetcher, Store: store, Clock: clock},
		worker.Config{Topic: topic, FetchTimeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	d, err := consumer.Consume(context.Background(), topic)
	require.NoError(t, err)
	res := w.Handle(context.Background(), d)
	require.NoError(t, res.Err)

	articleURL := site.URL + "/a"
	article, ok := store.Get(articleURL)
	require.True(t, ok)
	assert.Equal(t, "T", article.Title)
	assert.Equal(t, "B", article.Description)
	assert.Equal(t, "Preview of A", article.ShortDescription)
	assert.Equal(t, clock.Now(), article.DateAdded)
	assert.Nil(t, article.LastUpdated)

	// Replay the same job: a redelivery after a lost ack or a re-scan.
	clock.Advance(time.Hour)
	_, err = sc.Scan(context.Background(), site.URL+"/category/news/")
	require.NoError(t, err)
	d, err = consumer.Consume(context.Background(), topic)
	require.NoError(t, err)
	res = w.Handle(context.Background(), d)
	require.NoError(t, res.Err)

	require.Len(t, store.All(), 1)
	replayed, _ := store.Get(articleURL)
	assert.Equal(t, "T", replayed.Title)
	assert.Equal(t, "B", replayed.Description)
	assert.Equal(t, article.DateAdded, replayed.DateAdded)
	require.NotNil(t, replayed.LastUpdated)
	assert.Equal(t, clock.Now(), *replayed.LastUpdated)
	assert.Zero(t, broker.Len(topic))
}

func TestConsumerCrashBeforeAckRedelivers(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	broker := memory.NewBroker(0)
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})
	sc, err := scanner.New(fetcher, broker, scanner.Config{Topic: topic}, nil)
	require.NoError(t, err)
	_, err = sc.Scan(context.Background(), site.URL+"/category/news/")
	require.NoError(t, err)

	crashed := broker.NewConsumer()
	d, err := crashed.Consume(context.Background(), topic)
	require.NoError(t, err)
	require.Equal(t, 1, d.Attempt)
	require.NoError(t, crashed.Close())

	store := memstore.NewArticleStore(system.New())
	consumer := broker.NewConsumer()
	w, err := worker.New(2, worker.Deps{Consumer: consumer, Fetcher: fetcher, Store: store},
		worker.Config{Topic: topic}, nil)
	require.NoError(t, err)
	d, err = consumer.Consume(context.Background(), topic)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	res := w.Handle(context.Background(), d)
	require.Equal(t, worker.StateAcked, res.State)
	assert.Len(t, store.All(), 1)
}
