// Package amqp implements the queue broker on RabbitMQ.
//
// Queues are declared durable, messages are published persistent with
// publisher confirms, and every consumer channel uses Qos(1) with manual
// acknowledgement.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/crawler"
	"github.com/JakeFAU/news-parser/internal/logging"
)

const (
	contentTypeJSON = "application/json"
	// headerAttempt carries the delivery attempt across republished requeues.
	headerAttempt = "x-newsparser-attempt"
)

// channel is the subset of *amqp.Channel the broker uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Config controls the RabbitMQ connection and queue arguments.
type Config struct {
	URL string
	// DeadLetterExchange receives messages rejected without requeue.
	DeadLetterExchange string
	// ConsumerPrefix names consumer tags in the management UI.
	ConsumerPrefix string
}

// Broker publishes to and consumes from RabbitMQ queues.
type Broker struct {
	cfg    Config
	open   func() (channel, error)
	conn   io.Closer
	ids    crawler.IDGenerator
	logger *zap.Logger

	mu       sync.Mutex
	pub      channel
	confirms chan amqp.Confirmation
	declared map[string]bool
	seq      int
	closed   bool
}

// Dial connects to RabbitMQ.
func Dial(cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*Broker, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "newsparser"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	open := func() (channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("open amqp channel: %w", err)
		}
		return ch, nil
	}
	return newBroker(cfg, open, conn, ids, logger), nil
}

func newBroker(cfg Config, open func() (channel, error), conn io.Closer, ids crawler.IDGenerator, logger *zap.Logger) *Broker {
	if cfg.ConsumerPrefix == "" {
		cfg.ConsumerPrefix = "newsparser"
	}
	return &Broker{
		cfg:      cfg,
		open:     open,
		conn:     conn,
		ids:      ids,
		logger:   logging.OrNop(logger).Named("amqp"),
		declared: make(map[string]bool),
	}
}

func (b *Broker) queueArgs() amqp.Table {
	if b.cfg.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": b.cfg.DeadLetterExchange}
}

func (b *Broker) declare(ch channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, b.queueArgs()); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}

// Publish sends payload as a persistent message to the named queue through
// the default exchange and waits for the broker's confirm.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", crawler.ErrQueueClosed
	}
	id, err := b.nextIDLocked()
	if err != nil {
		return "", err
	}
	if err := b.publishLocked(ctx, topic, id, nil, payload); err != nil {
		return "", err
	}
	return id, nil
}

// republish puts a copy of a failed delivery at the tail of topic with its
// attempt counter set to attempt. Classic queues do not count redeliveries, so
// requeueing this way is what lets the worker's delivery limit fire.
func (b *Broker) republish(ctx context.Context, topic string, d amqp.Delivery, attempt int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return crawler.ErrQueueClosed
	}
	headers := amqp.Table{}
	for k, v := range d.Headers {
		if k == "x-delivery-count" || k == "x-death" {
			continue
		}
		headers[k] = v
	}
	headers[headerAttempt] = int64(attempt)
	return b.publishLocked(ctx, topic, d.MessageId, headers, d.Body)
}

func (b *Broker) publishLocked(ctx context.Context, topic, id string, headers amqp.Table, payload []byte) error {
	if err := b.ensurePublisherLocked(); err != nil {
		return err
	}
	if !b.declared[topic] {
		if err := b.declare(b.pub, topic); err != nil {
			return err
		}
		b.declared[topic] = true
	}

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Type:         crawler.MessageTypeParseArticle,
		Body:         payload,
	}
	if err := b.pub.PublishWithContext(ctx, "", topic, false, false, msg); err != nil {
		b.resetPublisherLocked()
		return fmt.Errorf("publish to %q: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		// The confirm for this message is now unaccounted for.
		b.resetPublisherLocked()
		return fmt.Errorf("await confirm: %w", ctx.Err())
	case confirm, ok := <-b.confirms:
		if !ok {
			b.resetPublisherLocked()
			return fmt.Errorf("await confirm: %w", crawler.ErrQueueClosed)
		}
		if !confirm.Ack {
			return fmt.Errorf("broker rejected message %s", id)
		}
	}
	return nil
}

func (b *Broker) ensurePublisherLocked() error {
	if b.pub != nil {
		return nil
	}
	ch, err := b.open()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	b.pub = ch
	b.declared = make(map[string]bool)
	return nil
}

func (b *Broker) resetPublisherLocked() {
	if b.pub == nil {
		return
	}
	if err := b.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Warn("close publisher channel", zap.Error(err))
	}
	b.pub = nil
	b.confirms = nil
}

func (b *Broker) nextIDLocked() (string, error) {
	if b.ids != nil {
		id, err := b.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate message id: %w", err)
		}
		return id, nil
	}
	b.seq++
	return fmt.Sprintf("amqp-%d", b.seq), nil
}

// OpenConsumer opens a dedicated channel with prefetch 1.
func (b *Broker) OpenConsumer(_ context.Context) (crawler.Consumer, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, crawler.ErrQueueClosed
	}
	b.seq++
	tag := fmt.Sprintf("%s-%d", b.cfg.ConsumerPrefix, b.seq)
	b.mu.Unlock()

	ch, err := b.open()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{broker: b, ch: ch, tag: tag}, nil
}

// Close closes the publisher channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.resetPublisherLocked()
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}
