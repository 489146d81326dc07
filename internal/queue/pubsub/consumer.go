package pubsub

import (
	"context"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// Consumer adapts the push-style Receive loop to pull-style Consume calls.
type Consumer struct {
	broker *Broker
	msgs   chan *pubsub.Message
	done   chan struct{}

	mu         sync.Mutex
	started    bool
	subID      string
	cancel     context.CancelFunc
	receiveErr error
	inFlight   *pubsub.Message
	closed     bool
	// deadLetter reports whether the subscription forwards messages that
	// exceed its delivery limit. Without one a nack redelivers forever.
	deadLetter bool
}

// Consume returns the next message from the topic's subscription.
func (c *Consumer) Consume(ctx context.Context, topic string) (crawler.Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return crawler.Delivery{}, crawler.ErrQueueClosed
	}
	if c.inFlight != nil {
		c.mu.Unlock()
		return crawler.Delivery{}, crawler.ErrInFlight
	}
	subID := c.broker.subscriptionFor(topic)
	if !c.started {
		c.start(ctx, subID)
	} else if subID != c.subID {
		c.mu.Unlock()
		return crawler.Delivery{}, fmt.Errorf("consumer bound to %q, asked for %q", c.subID, subID)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return crawler.Delivery{}, fmt.Errorf("consume canceled: %w", ctx.Err())
	case <-c.done:
		c.mu.Lock()
		err := c.receiveErr
		c.mu.Unlock()
		if err != nil {
			return crawler.Delivery{}, fmt.Errorf("receive from %q: %w", subID, err)
		}
		return crawler.Delivery{}, crawler.ErrQueueClosed
	case m := <-c.msgs:
		c.mu.Lock()
		c.inFlight = m
		c.mu.Unlock()
		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		return crawler.Delivery{ID: m.ID, Body: m.Data, Attempt: attempt, Acker: &acker{consumer: c, msg: m, subID: subID}}, nil
	}
}

// start must be called with c.mu held.
func (c *Consumer) start(ctx context.Context, subID string) {
	c.deadLetter = c.broker.hasDeadLetterPolicy(ctx, subID)
	sub := c.broker.client.Subscriber(subID)
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	recvCtx, cancel := context.WithCancel(context.Background())
	c.started = true
	c.subID = subID
	c.cancel = cancel

	go func() {
		defer close(c.done)
		err := sub.Receive(recvCtx, func(ctx context.Context, m *pubsub.Message) {
			select {
			case c.msgs <- m:
			case <-ctx.Done():
				m.Nack()
			}
		})
		if err != nil {
			c.broker.logger.Warn("pubsub receive stopped", zap.String("subscription", subID), zap.Error(err))
		}
		c.mu.Lock()
		c.receiveErr = err
		c.mu.Unlock()
	}()
}

// Close nacks any unsettled message and stops receiving.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.inFlight != nil {
		c.inFlight.Nack()
		c.inFlight = nil
	}
	started, cancel := c.started, c.cancel
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	return nil
}

type acker struct {
	consumer *Consumer
	msg      *pubsub.Message
	subID    string
}

func (a *acker) Ack(_ context.Context) error {
	a.msg.Ack()
	a.release()
	return nil
}

// Nack hands the message back for redelivery. Delivery limits belong to the
// subscription's dead letter policy, so a message that must not come back is
// acked instead when the subscription has none.
func (a *acker) Nack(_ context.Context, requeue bool) error {
	a.consumer.mu.Lock()
	deadLetter := a.consumer.deadLetter
	a.consumer.mu.Unlock()

	if !requeue && !deadLetter {
		a.consumer.broker.logger.Warn("dropping message: subscription has no dead letter policy",
			zap.String("subscription", a.subID), zap.String("message_id", a.msg.ID))
		a.msg.Ack()
	} else {
		a.msg.Nack()
	}
	a.release()
	return nil
}

func (a *acker) release() {
	a.consumer.mu.Lock()
	if a.consumer.inFlight == a.msg {
		a.consumer.inFlight = nil
	}
	a.consumer.mu.Unlock()
}
