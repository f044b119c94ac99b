package model

import "time"

// EventType classifies an Event record.
type EventType string

const (
	EventRequest  EventType = "request"
	EventResponse EventType = "response"
	EventDecision EventType = "decision"
	EventState    EventType = "state"
	EventError    EventType = "error"
)

// Event is an immutable log record. Events are never mutated after
// append; parent_event_id, when set, always references an earlier event
// (construction-time invariant, never a later one — so chain-walks always
// terminate).
type Event struct {
	ID            int64             `json:"id"`
	Timestamp     time.Time         `json:"t"`
	PipelineID    string            `json:"pipeline_id"`
	JobID         string            `json:"job_id"`
	FromRole      Role              `json:"from_role"`
	ToRole        *Role             `json:"to_role,omitempty"`
	EventType     EventType         `json:"event_type"`
	ParentEventID *int64            `json:"parent_event_id,omitempty"`
	Content       string            `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
