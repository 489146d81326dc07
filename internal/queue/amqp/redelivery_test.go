package amqp

import (
	"context"
	"net/http"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/clock/system"
	"github.com/JakeFAU/news-parser/internal/crawler"
	memstore "github.com/JakeFAU/news-parser/internal/storage/memory"
	"github.com/JakeFAU/news-parser/internal/worker"
)

type notFoundFetcher struct{}

func (notFoundFetcher) Fetch(_ context.Context, url string) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, &crawler.FetchError{URL: url, StatusCode: http.StatusNotFound}
}

// A job that always fails must reach the dead-letter path on a classic queue,
// where the broker only ever flags redeliveries and never counts them.
func TestWorkerDeadLettersPermanentFailureOnClassicQueue(t *testing.T) {
	t.Parallel()

	consumeCh, pub := newFakeChannel(), newFakeChannel()
	b := newTestBroker(Config{}, consumeCh, pub)
	require.Empty(t, b.queueArgs()["x-queue-type"], "news_parser is a classic queue")

	consumer, err := b.OpenConsumer(context.Background())
	require.NoError(t, err)

	clock := system.New()
	w, err := worker.New(1, worker.Deps{
		Consumer: consumer,
		Fetcher:  notFoundFetcher{},
		Store:    memstore.NewArticleStore(clock),
		Clock:    clock,
	}, worker.Config{
		Topic:         "news_parser",
		FetchTimeout:  time.Second,
		MaxDeliveries: 5,
		Backoff:       worker.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)

	body, err := crawler.EncodeParseJob(crawler.ParseJob{URL: "https://news.example.com/gone"})
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	// The first delivery comes back after a consumer crash: flagged, no count.
	consumeCh.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, MessageId: "m1", Body: body, Redelivered: true}

	ctx := context.Background()
	var attempts []int
	for i := 0; i < 20; i++ {
		d, err := consumer.Consume(ctx, "news_parser")
		require.NoError(t, err)
		attempts = append(attempts, d.Attempt)

		res := w.Handle(ctx, d)
		require.Equal(t, worker.StateFailed, res.State)
		if !res.Requeued {
			break
		}
		next := pub.published[len(pub.published)-1]
		consumeCh.deliveries <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(i + 2),
			MessageId:    next.MessageId,
			Body:         next.Body,
			Headers:      next.Headers,
			Redelivered:  false,
		}
	}

	assert.Equal(t, []int{2, 3, 4, 5}, attempts)
	assert.Len(t, pub.published, 3)
	assert.Equal(t, []uint64{1, 2, 3}, ack.acked, "each requeued copy replaces its original")
	assert.Equal(t, []uint64{4}, ack.nacked)
	assert.Equal(t, []bool{false}, ack.requeued, "last attempt is dead-lettered")
}
