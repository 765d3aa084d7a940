package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound control messages.

// SubscribeRun asks the server to stream a run's log/status events,
// resuming from the given cursor.
type SubscribeRun struct {
	Type   string `json:"type"`
	RunID  string `json:"runId"`
	Cursor int64  `json:"cursor"`
}

// NewSubscribeRun builds the subscribe message for a run stream.
func NewSubscribeRun(runID string, cursor int64) SubscribeRun {
	if cursor < 0 {
		cursor = 0
	}
	return SubscribeRun{Type: "subscribe_run", RunID: runID, Cursor: cursor}
}

// SubscribePairing asks the server to stream pairing handshake status.
type SubscribePairing struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewSubscribePairing builds the subscribe message for a pairing stream.
func NewSubscribePairing(sessionID string) SubscribePairing {
	return SubscribePairing{Type: "subscribe_pairing", SessionID: sessionID}
}

// Inbound control messages form a closed union. DecodeControl is the only
// place the raw "type" discriminator is branched on; everything after it
// works with the typed variants.

type ControlMessage interface {
	controlMessage()
}

type Subscribed struct {
	RunID  string    `json:"runId"`
	Cursor int64     `json:"cursor"`
	Now    time.Time `json:"now"`
}

type RunLog struct {
	RunID   string    `json:"runId"`
	Cursor  *int64    `json:"cursor,omitempty"`
	Message string    `json:"message"`
	Status  string    `json:"status,omitempty"`
	At      time.Time `json:"at,omitempty"`
	Now     time.Time `json:"now"`
}

type RunStatus struct {
	RunID  string    `json:"runId"`
	Status string    `json:"status"`
	Now    time.Time `json:"now"`
}

type Heartbeat struct {
	RunID  string    `json:"runId,omitempty"`
	Cursor int64     `json:"cursor"`
	Now    time.Time `json:"now"`
}

type RunNotFound struct {
	RunID string    `json:"runId"`
	Now   time.Time `json:"now"`
}

type ServerError struct {
	Message string    `json:"message"`
	Now     time.Time `json:"now"`
}

type PairingSubscribed struct {
	SessionID string    `json:"sessionId"`
	Now       time.Time `json:"now"`
}

type PairingStatus struct {
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	Paired    bool      `json:"paired,omitempty"`
	Now       time.Time `json:"now"`
}

type PairingNotFound struct {
	SessionID string    `json:"sessionId"`
	Now       time.Time `json:"now"`
}

func (Subscribed) controlMessage()        {}
func (RunLog) controlMessage()            {}
func (RunStatus) controlMessage()         {}
func (Heartbeat) controlMessage()         {}
func (RunNotFound) controlMessage()       {}
func (ServerError) controlMessage()       {}
func (PairingSubscribed) controlMessage() {}
func (PairingStatus) controlMessage()     {}
func (PairingNotFound) controlMessage()   {}

// DecodeControl parses one inbound control payload into its typed variant.
func DecodeControl(raw []byte) (ControlMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	decode := func(into ControlMessage) (ControlMessage, error) {
		if err := json.Unmarshal(raw, into); err != nil {
			return nil, fmt.Errorf("decode %s message: %w", head.Type, err)
		}
		return into, nil
	}
	switch head.Type {
	case "subscribed":
		return decode(&Subscribed{})
	case "run_log":
		return decode(&RunLog{})
	case "run_status":
		return decode(&RunStatus{})
	case "heartbeat":
		return decode(&Heartbeat{})
	case "run_not_found":
		return decode(&RunNotFound{})
	case "error":
		return decode(&ServerError{})
	case "pairing_subscribed":
		return decode(&PairingSubscribed{})
	case "pairing_status":
		return decode(&PairingStatus{})
	case "pairing_not_found":
		return decode(&PairingNotFound{})
	case "":
		return nil, fmt.Errorf("control message missing type")
	default:
		return nil, fmt.Errorf("unknown control message type %q", head.Type)
	}
}
