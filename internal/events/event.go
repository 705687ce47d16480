package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// Type names a lifecycle notification.
type Type string

// Supported event types.
const (
	TypeJobSpawned Type = "job.spawned"
	TypeJobStatus  Type = "job.status"
	TypeJobRetried Type = "job.retried"
	TypeJobReaped  Type = "job.reaped"
)

// Event is one job lifecycle notification.
type Event struct {
	Type       Type              `json:"type"`
	JobID      string            `json:"job_id"`
	SourceID   string            `json:"source_id"`
	CustomerID string            `json:"customer_id"`
	URL        string            `json:"url,omitempty"`
	Status     crawler.JobStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	// Message carries the job's error text on failures.
	Message string        `json:"message,omitempty"`
	Dur     time.Duration `json:"duration,omitempty"`
	TS      time.Time     `json:"ts"`
}

// FromJob builds an event describing job's current state.
func FromJob(t Type, job crawler.CrawlJob, ts time.Time) Event {
	evt := Event{
		Type:       t,
		JobID:      job.ID,
		SourceID:   job.SourceID,
		CustomerID: job.CustomerID,
		URL:        job.URL,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		Message:    job.Error,
		TS:         ts,
	}
	if job.Status == crawler.JobStatusCompleted {
		evt.Dur = job.Result.ProcessingTime
	}
	return evt
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeJobSpawned, TypeJobRetried, TypeJobReaped:
	case TypeJobStatus:
		if e.Status == "" {
			return errors.New("status event requires status")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Attributes returns the message attributes used for bus-side filtering.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"type":        string(e.Type),
		"source_id":   e.SourceID,
		"customer_id": e.CustomerID,
		"status":      string(e.Status),
	}
}

// Wakes reports whether the event means a job may now be claimable.
func (e Event) Wakes() bool {
	switch e.Type {
	case TypeJobSpawned, TypeJobRetried, TypeJobReaped:
		return true
	case TypeJobStatus:
		return e.Status == crawler.JobStatusPending
	default:
		return false
	}
}
