package session

import "time"

// Event types published on session lifecycle transitions.
const (
	EventSessionStarted = "session.started"
	EventSessionRotated = "session.rotated"
	EventSessionRevoked = "session.revoked"
	EventSessionsWiped  = "sessions.wiped"
)

// Event describes a session lifecycle transition for an owner.
// SessionID is empty for owner-wide events.
type Event struct {
	Type      string    `json:"type"`
	OwnerID   string    `json:"owner_id"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives lifecycle events. Publish must not block; slow consumers
// are the sink's problem, not the rotation hot path's.
type EventSink interface {
	Publish(ev Event)
}
