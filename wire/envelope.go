// Package wire defines the stream wire formats shared by the realtime
// transports: the canonical envelope downstream consumers see, the typed
// control messages exchanged on the websocket channel, and the
// line-delimited frame format of the streaming-HTTP fallback channel.
package wire

import "time"

// EventName identifies a canonical envelope kind. Transport choice is
// invisible downstream; both channels normalize into these.
type EventName string

const (
	EventReady     EventName = "ready"
	EventLog       EventName = "log"
	EventStatus    EventName = "status"
	EventComplete  EventName = "complete"
	EventError     EventName = "error"
	EventHeartbeat EventName = "heartbeat"
	EventNotFound  EventName = "not_found"
)

// Envelope is the single normalized event shape consumers receive,
// regardless of which transport produced it.
type Envelope struct {
	Event   EventName `json:"event"`
	Data    any       `json:"data,omitempty"`
	RawData string    `json:"rawData,omitempty"`
}

// LogRecord is the payload of a "log" envelope.
type LogRecord struct {
	RunID    string    `json:"runId"`
	LogIndex int64     `json:"logIndex"`
	Message  string    `json:"message"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

// StatusRecord is the payload of a "status" envelope.
type StatusRecord struct {
	RunID  string    `json:"runId,omitempty"`
	Status string    `json:"status"`
	At     time.Time `json:"at,omitempty"`
}

// TerminalStatus reports whether a run status ends the stream.
func TerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}
