// Package progress defines the lifecycle events published by job
// coordinators and the hub that fans them out to sinks (webhooks, logs,
// metrics) without blocking job progress.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// EventType names a job lifecycle milestone.
type EventType string

// Supported event types, also the values accepted in webhook subscriptions.
const (
	EventJobStarted   EventType = "job.started"
	EventPageScraped  EventType = "page.scraped"
	EventDecisionMade EventType = "decision.made"
	EventJobCompleted EventType = "job.completed"
	EventJobError     EventType = "job.error"
)

// KnownEventType reports whether s is a deliverable event type.
func KnownEventType(s string) bool {
	switch EventType(s) {
	case EventJobStarted, EventPageScraped, EventDecisionMade, EventJobCompleted, EventJobError:
		return true
	default:
		return false
	}
}

// Event captures a single job milestone. Data carries the event-specific
// payload delivered to webhooks verbatim.
type Event struct {
	Type  EventType
	JobID string
	TS    time.Time
	Data  map[string]any
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !KnownEventType(string(e.Type)) {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
