// Package events carries verification lifecycle events from the engine to
// in-process consumers such as the inspector.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	EventContractLoaded  EventType = "contract.loaded"
	EventVerifyStart     EventType = "verify.start"
	EventVerifyResult    EventType = "verify.result"
	EventVerifyViolation EventType = "verify.violation"
	EventVerifyEnd       EventType = "verify.end"
	EventVerifyError     EventType = "verify.error"
	EventRunSaved        EventType = "history.saved"
)

// Event is a single verification event.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id,omitempty"`
	Data      any           `json:"data"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// NewEvent creates an Event with the current timestamp.
func NewEvent(typ EventType, data any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// VerifyStart is the payload of EventVerifyStart.
type VerifyStart struct {
	Contract    string `json:"contract"`
	ExecutionID string `json:"execution_id"`
	Commitments int    `json:"commitments"`
}

// VerifyEnd is the payload of EventVerifyEnd.
type VerifyEnd struct {
	Contract string         `json:"contract"`
	Summary  map[string]int `json:"summary"`
	Worst    string         `json:"worst"`
	Error    string         `json:"error,omitempty"`
}
