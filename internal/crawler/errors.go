package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrDuplicate marks a unique-key conflict where another writer already
	// produced the row. Callers treat it as success.
	ErrDuplicate = errors.New("duplicate key")
	// ErrUnknownMessageType is returned for envelopes this pipeline does not handle.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMalformedMessage is returned for envelopes that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInFlight is returned when a consumer is asked for a second delivery
	// before the current one is settled.
	ErrInFlight = errors.New("delivery already in flight")
	// ErrQueueClosed is returned once a queue or consumer has been closed.
	ErrQueueClosed = errors.New("queue closed")
)

// FetchError reports a network failure, timeout, or non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch failed because a deadline expired.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ExtractionError reports a missing selector or unusable DOM.
type ExtractionError struct {
	Field  string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Field, e.Reason)
}

// StoreError reports a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TitleConflictError reports an insert refused because another URL already
// holds the same title under the legacy unique index. It matches ErrDuplicate,
// so the job is settled, but the article for URL is not stored.
type TitleConflictError struct {
	URL   string
	Title string
	// ExistingURL is the URL holding the title, empty when it could not be
	// looked up.
	ExistingURL string
}

func (e *TitleConflictError) Error() string {
	if e.ExistingURL == "" {
		return fmt.Sprintf("title %q of %s is already stored: %v", e.Title, e.URL, ErrDuplicate)
	}
	return fmt.Sprintf("title %q of %s is already stored for %s: %v", e.Title, e.URL, e.ExistingURL, ErrDuplicate)
}

func (e *TitleConflictError) Unwrap() error { return ErrDuplicate }

// IsRetryable reports whether redelivering the same message could succeed.
// Malformed messages never can; everything else is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrMalformedMessage)
}
