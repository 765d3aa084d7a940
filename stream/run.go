package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stackoverworld/fyreflow/connection"
	"github.com/stackoverworld/fyreflow/observe"
	"github.com/stackoverworld/fyreflow/wire"
)

// SubscribeRun opens a subscription to a run's event stream. It returns
// immediately; connection progress and failures arrive through the
// callbacks in opts. The websocket channel is attempted first; if it never
// opens or drops mid-run, the subscription degrades once to the
// streaming-HTTP channel, reopened at the current cursor so no log line is
// skipped.
func SubscribeRun(ctx context.Context, desc connection.Descriptor, runID string, opts Options) *Subscription {
	sub, ctx := newSubscription(ctx, desc, opts)
	go sub.runLoop(ctx, runID)
	return sub
}

func (s *Subscription) runLoop(ctx context.Context, runID string) {
	s.observe(ctx, observe.Event{Kind: observe.KindStream, Status: observe.StatusStarted, Name: "subscribe", RunID: runID})

	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.desc.RealtimeURL(), authHeader(s.desc))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		// Never reached active; degrade without surfacing an error.
		s.observe(ctx, observe.Event{Kind: observe.KindStream, Status: observe.StatusDegraded, Name: "open_fallback", RunID: runID, Error: err.Error()})
		s.fallbackRun(ctx, runID)
		return
	}
	if !s.trackCloser(func() { _ = conn.Close() }) {
		return
	}
	if err := conn.WriteJSON(wire.NewSubscribeRun(runID, s.currentCursor())); err != nil {
		_ = conn.Close()
		if s.Settled() || ctx.Err() != nil {
			return
		}
		s.observe(ctx, observe.Event{Kind: observe.KindStream, Status: observe.StatusDegraded, Name: "open_fallback", RunID: runID, Error: err.Error()})
		s.fallbackRun(ctx, runID)
		return
	}
	s.fireOpen()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if s.Settled() || ctx.Err() != nil {
				return
			}
			// Dropped after being active: losing the channel must
			// not lose the stream.
			s.observe(ctx, observe.Event{Kind: observe.KindStream, Status: observe.StatusDegraded, Name: "drop_fallback", RunID: runID, Error: err.Error()})
			s.fallbackRun(ctx, runID)
			return
		}
		if s.handleControl(runID, raw) {
			s.observe(ctx, observe.Event{Kind: observe.KindStream, Status: observe.StatusCompleted, Name: "settled", RunID: runID})
			s.settle()
			return
		}
		if s.Settled() {
			return
		}
	}
}

// handleControl maps one typed control message to canonical envelopes.
// It reports whether the message was terminal for the subscription.
func (s *Subscription) handleControl(runID string, raw []byte) bool {
	msg, err := wire.DecodeControl(raw)
	if err != nil {
		// Unknown or malformed frames are skipped, not fatal.
		return false
	}
	switch m := msg.(type) {
	case *wire.Subscribed:
		s.raiseCursor(m.Cursor)
		s.emit(wire.Envelope{Event: wire.EventReady, Data: m, RawData: string(raw)})

	case *wire.RunLog:
		index := s.currentCursor()
		if m.Cursor != nil {
			index = *m.Cursor - 1
			if index < 0 {
				index = 0
			}
		}
		record := wire.LogRecord{
			RunID:    valueOr(m.RunID, runID),
			LogIndex: index,
			Message:  m.Message,
			Status:   m.Status,
			At:       m.At,
		}
		s.emit(wire.Envelope{Event: wire.EventLog, Data: record, RawData: string(raw)})
		s.raiseCursor(index + 1)

	case *wire.RunStatus:
		record := wire.StatusRecord{RunID: valueOr(m.RunID, runID), Status: m.Status, At: m.Now}
		s.emit(wire.Envelope{Event: wire.EventStatus, Data: record, RawData: string(raw)})
		if wire.TerminalStatus(m.Status) {
			s.emit(wire.Envelope{Event: wire.EventComplete, Data: record, RawData: string(raw)})
			return true
		}

	case *wire.Heartbeat:
		s.raiseCursor(m.Cursor)
		s.emit(wire.Envelope{Event: wire.EventHeartbeat, Data: m, RawData: string(raw)})

	case *wire.RunNotFound:
		s.emit(wire.Envelope{Event: wire.EventError, Data: m, RawData: string(raw)})
		s.fail(newError(KindServerReportedError, fmt.Sprintf("run %s not found", valueOr(m.RunID, runID)), nil))
		return true

	case *wire.ServerError:
		s.emit(wire.Envelope{Event: wire.EventError, Data: m, RawData: string(raw)})
		s.fail(newError(KindServerReportedError, m.Message, nil))
		return true
	}
	return false
}

// fallbackRun opens the degraded streaming-HTTP channel at the current
// cursor. It is entered at most once per subscription instance; its own
// failures are terminal.
func (s *Subscription) fallbackRun(ctx context.Context, runID string) {
	if s.Settled() || ctx.Err() != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.desc.RunEventsURL(runID, s.currentCursor()), nil)
	if err != nil {
		s.failDegraded(ctx, runID, "failed to build fallback request", err)
		return
	}
	req.Header = authHeader(s.desc)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		s.failDegraded(ctx, runID, "failed to open fallback stream", err)
		return
	}
	if resp.Body == nil {
		s.failDegraded(ctx, runID, "fallback stream returned no body", nil)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		s.failDegraded(ctx, runID, fmt.Sprintf("fallback stream returned status %d", resp.StatusCode), nil)
		return
	}
	if !s.trackCloser(func() { _ = resp.Body.Close() }) {
		return
	}
	s.fireOpen()

	scanner := wire.NewFrameScanner(resp.Body)
	for {
		frame, err := scanner.Next()
		if err != nil {
			if s.Settled() || ctx.Err() != nil {
				return
			}
			if err == io.EOF {
				s.failDegraded(ctx, runID, "fallback stream ended before the run completed", nil)
				return
			}
			s.failDegraded(ctx, runID, "fallback stream read failed", err)
			return
		}
		if s.handleFrame(runID, frame) {
			s.observe(ctx, observe.Event{Kind: observe.KindStream, Status: observe.StatusCompleted, Name: "settled", RunID: runID})
			s.settle()
			return
		}
		if s.Settled() {
			return
		}
	}
}

func (s *Subscription) failDegraded(ctx context.Context, runID, message string, err error) {
	s.observe(ctx, observe.Event{Kind: observe.KindStream, Status: observe.StatusFailed, Name: "fallback", RunID: runID, Error: message})
	s.fail(newError(KindDegradedTransportFailure, message, err))
	s.settle()
}

// handleFrame maps one degraded-channel frame to canonical envelopes,
// mirroring handleControl so a client migrating between transports
// mid-run cannot double count or skip.
func (s *Subscription) handleFrame(runID string, frame wire.Frame) bool {
	switch frame.Event {
	case "ready":
		var msg wire.Subscribed
		_ = json.Unmarshal([]byte(frame.Data), &msg)
		if msg.RunID == "" {
			msg.RunID = runID
		}
		s.raiseCursor(msg.Cursor)
		s.emit(wire.Envelope{Event: wire.EventReady, Data: &msg, RawData: frame.Data})

	case "log":
		var record wire.LogRecord
		if err := json.Unmarshal([]byte(frame.Data), &record); err != nil {
			return false
		}
		if record.RunID == "" {
			record.RunID = runID
		}
		s.emit(wire.Envelope{Event: wire.EventLog, Data: record, RawData: frame.Data})
		s.raiseCursor(record.LogIndex + 1)

	case "status":
		var record wire.StatusRecord
		if err := json.Unmarshal([]byte(frame.Data), &record); err != nil {
			return false
		}
		if record.RunID == "" {
			record.RunID = runID
		}
		s.emit(wire.Envelope{Event: wire.EventStatus, Data: record, RawData: frame.Data})
		if wire.TerminalStatus(record.Status) {
			s.emit(wire.Envelope{Event: wire.EventComplete, Data: record, RawData: frame.Data})
			return true
		}

	case "complete":
		s.emit(wire.Envelope{Event: wire.EventComplete, RawData: frame.Data})
		return true

	case "heartbeat":
		var msg wire.Heartbeat
		_ = json.Unmarshal([]byte(frame.Data), &msg)
		if msg.RunID == "" {
			msg.RunID = runID
		}
		s.raiseCursor(msg.Cursor)
		s.emit(wire.Envelope{Event: wire.EventHeartbeat, Data: &msg, RawData: frame.Data})

	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal([]byte(frame.Data), &payload)
		s.emit(wire.Envelope{Event: wire.EventError, RawData: frame.Data})
		s.fail(newError(KindServerReportedError, valueOr(payload.Message, "server reported an error"), nil))
		return true
	}
	return false
}

func valueOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
