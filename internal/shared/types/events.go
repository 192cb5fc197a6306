package types

import "time"

// EventKind classifies a session lifecycle notification.
type EventKind string

const (
	EventActive   EventKind = "active"
	EventPrepared EventKind = "prepared"
	EventProgress EventKind = "progress"
	EventSealed   EventKind = "sealed"
	EventFinished EventKind = "finished"
	EventStaged   EventKind = "staged"
)

// Event is one typed session notification. Delivery is at-least-once for
// terminal events; ordering is guaranteed only within one session.
type Event struct {
	ID        string    `json:"id"` // ULID, k-sortable
	SessionID int       `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`

	Progress float64 `json:"progress,omitempty"`
	Success  bool    `json:"success,omitempty"`
	// ErrorCode carries the sesserr code on failed terminal events.
	ErrorCode int    `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	// StagedState carries the staged sub-state on EventStaged.
	StagedState string `json:"staged_state,omitempty"`
}
