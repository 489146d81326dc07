package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// Fetcher performs a GET against a URL and returns the body plus metadata.
// Implementations never retry internally.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Publisher pushes a payload onto a named durable queue and returns the
// message ID assigned to it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Consumer pulls one delivery at a time from a named queue. A consumer never
// holds more than one unacknowledged delivery.
type Consumer interface {
	Consume(ctx context.Context, topic string) (Delivery, error)
	Close() error
}

// Acknowledger settles a single delivery.
type Acknowledger interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// ArticleStore owns the dedup/upsert invariant keyed by URL.
type ArticleStore interface {
	Upsert(ctx context.Context, record ArticleRecord) (UpsertOutcome, error)
}

// CacheInvalidator drops read-side cache entries made stale by an upsert.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, record ArticleRecord, outcome UpsertOutcome) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for archive keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces message IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Delivery is one message handed to a consumer together with its ack handle.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int
	Acker   Acknowledger
}

var errNoAcknowledger = errors.New("delivery has no acknowledger")

// Ack acknowledges the delivery; the queue will not redeliver it.
func (d Delivery) Ack(ctx context.Context) error {
	if d.Acker == nil {
		return errNoAcknowledger
	}
	return d.Acker.Ack(ctx)
}

// Nack rejects the delivery. With requeue the message becomes eligible for
// redelivery; without it the queue dead-letters or drops it.
func (d Delivery) Nack(ctx context.Context, requeue bool) error {
	if d.Acker == nil {
		return errNoAcknowledger
	}
	return d.Acker.Nack(ctx, requeue)
}
