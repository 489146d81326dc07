package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageTypeParseArticle is the envelope type carrying a ParseJob.
const MessageTypeParseArticle = "parse_article"

// Envelope is the self-describing wire format of every queue message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type parseJobPayload struct {
	URL              string  `json:"url"`
	ImageURL         *string `json:"imageUrl"`
	ShortDescription *string `json:"shortDescription"`
}

// EncodeParseJob serializes a job into its envelope. Empty optional fields are
// written as JSON null.
func EncodeParseJob(job ParseJob) ([]byte, error) {
	data, err := json.Marshal(parseJobPayload{
		URL:              job.URL,
		ImageURL:         nullable(job.ImageURL),
		ShortDescription: nullable(job.ShortDescription),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal parse job: %w", err)
	}
	body, err := json.Marshal(Envelope{Type: MessageTypeParseArticle, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope parses the outer envelope without interpreting its data.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

// ParseJob interprets the envelope data as a ParseJob. It returns
// ErrUnknownMessageType for any other envelope type.
func (e Envelope) ParseJob() (ParseJob, error) {
	if e.Type != MessageTypeParseArticle {
		return ParseJob{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
	var payload parseJobPayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return ParseJob{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	url := strings.TrimSpace(payload.URL)
	if !IsAbsoluteURL(url) {
		return ParseJob{}, fmt.Errorf("%w: url %q is not absolute", ErrMalformedMessage, payload.URL)
	}
	return ParseJob{
		URL:              url,
		ImageURL:         deref(payload.ImageURL),
		ShortDescription: deref(payload.ShortDescription),
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
