// Package memory provides an in-process at-least-once queue for tests and
// single-binary deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

var errAlreadySettled = errors.New("delivery already settled")

// Message is a queued payload with its delivery count.
type Message struct {
	ID      string
	Body    []byte
	Attempt int
}

type topic struct {
	pending []Message
	dead    []Message
}

// Broker holds named FIFO queues. Unacknowledged deliveries return to the
// head of their queue on Nack(true) or when the consumer holding them closes.
type Broker struct {
	mu       sync.Mutex
	topics   map[string]*topic
	capacity int
	ids      crawler.IDGenerator
	seq      uint64
	closed   bool
	changed  chan struct{}
}

// Option customizes a Broker.
type Option func(*Broker)

// WithIDGenerator stamps published messages with IDs from gen.
func WithIDGenerator(gen crawler.IDGenerator) Option {
	return func(b *Broker) { b.ids = gen }
}

// NewBroker constructs a broker. A positive capacity bounds each topic and
// makes Publish block while the topic is full.
func NewBroker(capacity int, opts ...Option) *Broker {
	b := &Broker{
		topics:   make(map[string]*topic),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends payload to the named queue.
func (b *Broker) Publish(ctx context.Context, name string, payload []byte) (string, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return "", crawler.ErrQueueClosed
		}
		t := b.topicLocked(name)
		if b.capacity <= 0 || len(t.pending) < b.capacity {
			id, err := b.nextIDLocked()
			if err != nil {
				b.mu.Unlock()
				return "", err
			}
			t.pending = append(t.pending, Message{ID: id, Body: append([]byte(nil), payload...), Attempt: 1})
			b.broadcastLocked()
			b.mu.Unlock()
			return id, nil
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("publish canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// NewConsumer returns a consumer that holds at most one delivery at a time.
func (b *Broker) NewConsumer() *Consumer {
	return &Consumer{broker: b}
}

// Len reports the number of messages waiting in the named queue.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topicLocked(name).pending)
}

// DeadLettered returns the messages rejected without requeue.
func (b *Broker) DeadLettered(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.topicLocked(name).dead...)
}

// Close stops the broker. Blocked publishers and consumers return ErrQueueClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcastLocked()
	return nil
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
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
	return "mem-" + strconv.FormatUint(b.seq, 10), nil
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) settle(name string, msg Message, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(name)
	if requeue {
		msg.Attempt++
		t.pending = append([]Message{msg}, t.pending...)
		b.broadcastLocked()
		return
	}
	t.dead = append(t.dead, msg)
}

// Consumer pulls deliveries from a Broker with prefetch 1.
type Consumer struct {
	broker *Broker

	mu       sync.Mutex
	inFlight *acker
	closed   bool
}

// Consume blocks until a message is available on the named queue. It returns
// crawler.ErrInFlight if the previous delivery has not been settled.
func (c *Consumer) Consume(ctx context.Context, name string) (crawler.Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return crawler.Delivery{}, crawler.ErrQueueClosed
	}
	if c.inFlight != nil {
		c.mu.Unlock()
		return crawler.Delivery{}, crawler.ErrInFlight
	}
	c.mu.Unlock()

	b := c.broker
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return crawler.Delivery{}, crawler.ErrQueueClosed
		}
		t := b.topicLocked(name)
		if len(t.pending) > 0 {
			msg := t.pending[0]
			t.pending = t.pending[1:]
			b.broadcastLocked()
			b.mu.Unlock()

			a := &acker{consumer: c, topic: name, msg: msg}
			c.mu.Lock()
			c.inFlight = a
			c.mu.Unlock()
			return crawler.Delivery{ID: msg.ID, Body: msg.Body, Attempt: msg.Attempt, Acker: a}, nil
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.Delivery{}, fmt.Errorf("consume canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Close releases the consumer. An unsettled delivery is requeued.
func (c *Consumer) Close() error {
	c.mu.Lock()
	a := c.inFlight
	c.closed = true
	c.mu.Unlock()
	if a != nil {
		return a.Nack(context.Background(), true)
	}
	return nil
}

type acker struct {
	consumer *Consumer
	topic    string
	msg      Message

	once sync.Once
}

func (a *acker) Ack(_ context.Context) error {
	return a.finish(func() {})
}

func (a *acker) Nack(_ context.Context, requeue bool) error {
	return a.finish(func() { a.consumer.broker.settle(a.topic, a.msg, requeue) })
}

func (a *acker) finish(fn func()) error {
	settled := false
	a.once.Do(func() {
		settled = true
		fn()
		a.consumer.mu.Lock()
		if a.consumer.inFlight == a {
			a.consumer.inFlight = nil
		}
		a.consumer.mu.Unlock()
	})
	if !settled {
		return errAlreadySettled
	}
	return nil
}

// OpenConsumer adapts NewConsumer to queue.Broker.
func (b *Broker) OpenConsumer(_ context.Context) (crawler.Consumer, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, crawler.ErrQueueClosed
	}
	return b.NewConsumer(), nil
}
