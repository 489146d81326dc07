package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// Consumer reads one queue over its own channel.
type Consumer struct {
	broker *Broker
	ch     channel
	tag    string

	mu         sync.Mutex
	topic      string
	deliveries <-chan amqp.Delivery
	inFlight   bool
	closed     bool
}

// Consume waits for the next delivery. The first call binds the consumer to
// topic; later calls must use the same topic.
func (c *Consumer) Consume(ctx context.Context, topic string) (crawler.Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return crawler.Delivery{}, crawler.ErrQueueClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		return crawler.Delivery{}, crawler.ErrInFlight
	}
	if c.deliveries == nil {
		if err := c.broker.declare(c.ch, topic); err != nil {
			c.mu.Unlock()
			return crawler.Delivery{}, err
		}
		deliveries, err := c.ch.Consume(topic, c.tag, false, false, false, false, nil)
		if err != nil {
			c.mu.Unlock()
			return crawler.Delivery{}, fmt.Errorf("consume %q: %w", topic, err)
		}
		c.topic = topic
		c.deliveries = deliveries
	} else if topic != c.topic {
		c.mu.Unlock()
		return crawler.Delivery{}, fmt.Errorf("consumer bound to %q, asked for %q", c.topic, topic)
	}
	deliveries := c.deliveries
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return crawler.Delivery{}, fmt.Errorf("consume canceled: %w", ctx.Err())
	case d, ok := <-deliveries:
		if !ok {
			return crawler.Delivery{}, crawler.ErrQueueClosed
		}
		c.mu.Lock()
		c.inFlight = true
		c.mu.Unlock()
		attempt := attemptOf(d)
		return crawler.Delivery{
			ID:      d.MessageId,
			Body:    d.Body,
			Attempt: attempt,
			Acker:   &acker{consumer: c, delivery: d, topic: topic, attempt: attempt},
		}, nil
	}
}

// Close closes the channel. RabbitMQ requeues any unacknowledged delivery.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close consumer channel: %w", err)
	}
	return nil
}

// attemptOf reports the 1-based delivery attempt. Requeues done by this
// package carry the attempt in headerAttempt; on top of that, quorum queues
// count broker redeliveries in x-delivery-count and classic queues only flag
// them.
func attemptOf(d amqp.Delivery) int {
	attempt := 1
	if n, ok := headerInt(d.Headers, headerAttempt); ok && n > 1 {
		attempt = n
	}
	if n, ok := headerInt(d.Headers, "x-delivery-count"); ok {
		return attempt + n
	}
	if d.Redelivered {
		attempt++
	}
	return attempt
}

func headerInt(h amqp.Table, key string) (int, bool) {
	switch n := h[key].(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

type acker struct {
	consumer *Consumer
	delivery amqp.Delivery
	topic    string
	attempt  int
}

func (a *acker) Ack(_ context.Context) error {
	defer a.release()
	if err := a.delivery.Ack(false); err != nil {
		return fmt.Errorf("ack %s: %w", a.delivery.MessageId, err)
	}
	return nil
}

// Nack with requeue republishes the message with the next attempt number and
// acks the original. If the republish fails the message is handed back to the
// broker as is.
func (a *acker) Nack(ctx context.Context, requeue bool) error {
	defer a.release()
	if requeue {
		err := a.consumer.broker.republish(ctx, a.topic, a.delivery, a.attempt+1)
		if err == nil {
			if err := a.delivery.Ack(false); err != nil {
				return fmt.Errorf("ack requeued %s: %w", a.delivery.MessageId, err)
			}
			return nil
		}
		a.consumer.broker.logger.Warn("republish failed, requeueing in place",
			zap.String("message_id", a.delivery.MessageId), zap.Error(err))
	}
	if err := a.delivery.Nack(false, requeue); err != nil {
		return fmt.Errorf("nack %s: %w", a.delivery.MessageId, err)
	}
	return nil
}

func (a *acker) release() {
	a.consumer.mu.Lock()
	a.consumer.inFlight = false
	a.consumer.mu.Unlock()
}
