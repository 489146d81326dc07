// Package pubsub implements the queue broker on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/news-parser/internal/crawler"
	"github.com/JakeFAU/news-parser/internal/logging"
)

// Config selects the project and the subscription workers pull from.
type Config struct {
	ProjectID string
	// Subscription overrides the subscription ID. It defaults to the topic name.
	Subscription string
}

// Broker publishes to topics and receives from subscriptions.
type Broker struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	closed     bool
}

// New creates a Pub/Sub client. Credentials come from Application Default
// Credentials unless opts say otherwise.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &Broker{
		client:     client,
		cfg:        cfg,
		logger:     logging.OrNop(logger).Named("pubsub"),
		publishers: make(map[string]*pubsub.Publisher),
	}, nil
}

// Client exposes the underlying client, mainly for topic administration.
func (b *Broker) Client() *pubsub.Client {
	return b.client
}

// Publish sends payload to the topic and waits for the server-assigned ID.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	publisher, err := b.publisher(topic)
	if err != nil {
		return "", err
	}
	result := publisher.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"type": crawler.MessageTypeParseArticle},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (b *Broker) publisher(topic string) (*pubsub.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, crawler.ErrQueueClosed
	}
	p, ok := b.publishers[topic]
	if !ok {
		p = b.client.Publisher(topic)
		b.publishers[topic] = p
	}
	return p, nil
}

// OpenConsumer returns a consumer with one outstanding message at a time.
func (b *Broker) OpenConsumer(_ context.Context) (crawler.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, crawler.ErrQueueClosed
	}
	return &Consumer{broker: b, msgs: make(chan *pubsub.Message), done: make(chan struct{})}, nil
}

// Close flushes publishers and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, p := range b.publishers {
		p.Stop()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

func (b *Broker) subscriptionFor(topic string) string {
	if b.cfg.Subscription != "" {
		return b.cfg.Subscription
	}
	return topic
}

func (b *Broker) subscriptionName(subID string) string {
	if strings.HasPrefix(subID, "projects/") {
		return subID
	}
	return "projects/" + b.cfg.ProjectID + "/subscriptions/" + subID
}

// hasDeadLetterPolicy asks the server whether subID dead-letters exhausted
// messages. A failed lookup counts as having one so nothing is dropped.
func (b *Broker) hasDeadLetterPolicy(ctx context.Context, subID string) bool {
	sub, err := b.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{
		Subscription: b.subscriptionName(subID),
	})
	if err != nil {
		b.logger.Warn("could not read subscription dead letter policy",
			zap.String("subscription", subID), zap.Error(err))
		return true
	}
	if sub.GetDeadLetterPolicy().GetDeadLetterTopic() == "" {
		b.logger.Warn("subscription has no dead letter policy; permanent failures will be dropped",
			zap.String("subscription", subID))
		return false
	}
	return true
}
