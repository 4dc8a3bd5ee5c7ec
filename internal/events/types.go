// Package events defines the relay lifecycle events and the bus that fans
// them out to telemetry and other observers.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventSessionOpened   EventType = "session_opened"
	EventSessionRelaying EventType = "session_relaying"
	EventSessionClosed   EventType = "session_closed"

	// Backend resolution
	EventLookupFailed EventType = "lookup_failed"

	// Hand-off
	EventHandoffCaptured EventType = "handoff_captured"
	EventHandoffConsumed EventType = "handoff_consumed"
	EventHandoffExpired  EventType = "handoff_expired"

	// System
	EventShutdown EventType = "shutdown"
)

// AllEventTypes lists every type the relay emits, in documentation order.
var AllEventTypes = []EventType{
	EventSessionOpened,
	EventSessionRelaying,
	EventSessionClosed,
	EventLookupFailed,
	EventHandoffCaptured,
	EventHandoffConsumed,
	EventHandoffExpired,
	EventShutdown,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// SessionPayload describes a session at a lifecycle transition.
type SessionPayload struct {
	SessionID  string `json:"session_id"`
	ClientAddr string `json:"client_addr"`
	Backend    string `json:"backend,omitempty"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Handoff    bool   `json:"handoff"`
}

// LookupFailedPayload is emitted when a session cannot resolve its backend.
type LookupFailedPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// HandoffPayload describes a captured, consumed or expired hand-off.
type HandoffPayload struct {
	ClientIP  string `json:"client_ip"`
	SessionID string `json:"session_id,omitempty"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	DoorID    string `json:"door_id,omitempty"`
}
