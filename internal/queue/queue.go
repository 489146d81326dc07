// Package queue defines the broker abstraction shared by the scanner and the
// workers. Backends live in the amqp, pubsub, and memory subpackages.
package queue

import (
	"context"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// Broker publishes parse jobs and hands out prefetch-1 consumers.
type Broker interface {
	crawler.Publisher
	// OpenConsumer returns a new consumer with its own delivery channel.
	OpenConsumer(ctx context.Context) (crawler.Consumer, error)
	Close() error
}
