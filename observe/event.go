// Package observe carries instrumentation events for the client core: the
// realtime transports and the mutation coordinator report their lifecycle
// through a Sink so operators can see reconnects, fallbacks, and resumed
// requests without the UI being involved.
package observe

import "time"

type Kind string

type Status string

const (
	KindStream   Kind = "stream"
	KindPairing  Kind = "pairing"
	KindMutation Kind = "mutation"
	KindResume   Kind = "resume"
	KindCustom   Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusDegraded  Status = "degraded"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status,omitempty"`
	Name           string         `json:"name,omitempty"`
	RunID          string         `json:"runId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	Cursor         int64          `json:"cursor,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
