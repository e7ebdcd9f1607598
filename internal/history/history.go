package history

import (
	"context"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventAborted   EventType = "aborted"
)

// Run summarizes one supervision at the time of the event.
type Run struct {
	Job        string    `json:"job"`
	Partition  string    `json:"partition"`
	Cursor     int64     `json:"cursor"`
	Entries    int       `json:"entries"`
	Heartbeats int       `json:"heartbeats"`
	StartedAt  time.Time `json:"started_at"`
	Err        string    `json:"error,omitempty"`
}

// Event represents a supervision event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        Run       `json:"run"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks and returns the first error.
// Every sink is tried even when an earlier one fails.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
