package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the pipeline milestone represented by an Event.
type Stage string

// Scanner stages.
const (
	StageScanStart     Stage = "SCAN_START"
	StageScanDone      Stage = "SCAN_DONE"
	StageScanError     Stage = "SCAN_ERROR"
	StageItemSkipped   Stage = "ITEM_SKIPPED"
	StageJobPublished  Stage = "JOB_PUBLISHED"
	StagePublishFailed Stage = "PUBLISH_FAILED"
)

// Worker stages. Each one marks the state the worker just entered for a
// delivery.
const (
	StageJobReceived  Stage = "JOB_RECEIVED"
	StageFetching     Stage = "FETCHING"
	StageExtracting   Stage = "EXTRACTING"
	StageUpserting    Stage = "UPSERTING"
	StageAcked        Stage = "ACKED"
	StageFailed       Stage = "FAILED"
	StageDeadLettered Stage = "DEAD_LETTERED"
	StageIgnored      Stage = "IGNORED"
	StageFetchDone    Stage = "FETCH_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of scanner or worker progress.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// MessageID identifies the queue message a worker event belongs to.
	MessageID string
	// Attempt is the delivery attempt of the message, starting at 1.
	Attempt int
	// URL is the listing URL for scanner events and the article URL for
	// worker events.
	URL string
	// Site scopes fetch events to a host label.
	Site string
	// Bytes carries the response size for fetch completions.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Outcome is the upsert result ("created" or "updated") on ACKED.
	Outcome string
	// Count is the number of jobs published on SCAN_DONE.
	Count int
	// Dur captures latency for fetches, scans, and whole jobs.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart, StageScanDone, StageScanError, StageItemSkipped:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageJobPublished, StagePublishFailed:
	case StageJobReceived, StageFetching, StageExtracting, StageUpserting,
		StageAcked, StageFailed, StageDeadLettered, StageIgnored:
		if e.MessageID == "" {
			return fmt.Errorf("%s requires message id", e.Stage)
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
