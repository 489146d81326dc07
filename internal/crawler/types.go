package crawler

import (
	"net/http"
	"time"
)

// ArticleStub is a lightweight summary of a candidate article found on a
// listing page. It is never persisted directly.
type ArticleStub struct {
	URL              string
	ImageURL         string
	ShortDescription string
}

// ParseJob is the unit of work published for each discovered stub.
type ParseJob struct {
	URL              string
	ImageURL         string
	ShortDescription string
}

// JobFromStub converts a discovered stub into the job published to the queue.
func JobFromStub(stub ArticleStub) ParseJob {
	return ParseJob(stub)
}

// Article is the persisted entity, keyed naturally by URL.
type Article struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	ShortDescription string     `json:"short_description"`
	ImageURL         string     `json:"image_url,omitempty"`
	URL              string     `json:"url"`
	DateAdded        time.Time  `json:"date_added"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
}

// ArticleRecord carries everything the store needs for one upsert.
type ArticleRecord struct {
	URL              string
	Title            string
	Description      string
	ShortDescription string
	ImageURL         string
}

// UpsertOutcome reports whether an upsert inserted or refreshed a row.
type UpsertOutcome string

// Upsert outcomes returned by ArticleStore implementations.
const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
)

// ArticleContent is the result of parsing an article detail page.
type ArticleContent struct {
	Title       string
	Description string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
