package stream

import (
	"context"
	"fmt"

	"github.com/stackoverworld/fyreflow/connection"
	"github.com/stackoverworld/fyreflow/observe"
	"github.com/stackoverworld/fyreflow/wire"
)

// SubscribePairing opens a subscription to a device-pairing handshake's
// status stream. Pairing streams use the websocket channel only: the
// handshake is short-lived, so a stale fallback channel adds more risk
// than value. A channel that cannot be opened is a hard failure.
func SubscribePairing(ctx context.Context, desc connection.Descriptor, sessionID string, opts Options) *Subscription {
	sub, ctx := newSubscription(ctx, desc, opts)
	go sub.pairingLoop(ctx, sessionID)
	return sub
}

func (s *Subscription) pairingLoop(ctx context.Context, sessionID string) {
	s.observe(ctx, observe.Event{Kind: observe.KindPairing, Status: observe.StatusStarted, Name: "subscribe", SessionID: sessionID})

	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.desc.RealtimeURL(), authHeader(s.desc))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.observe(ctx, observe.Event{Kind: observe.KindPairing, Status: observe.StatusFailed, Name: "open", SessionID: sessionID, Error: err.Error()})
		s.fail(newError(KindTransportOpenFailure, "failed to open realtime stream", err))
		s.settle()
		return
	}
	if !s.trackCloser(func() { _ = conn.Close() }) {
		return
	}
	if err := conn.WriteJSON(wire.NewSubscribePairing(sessionID)); err != nil {
		_ = conn.Close()
		if s.Settled() || ctx.Err() != nil {
			return
		}
		s.fail(newError(KindTransportOpenFailure, "failed to open realtime stream", err))
		s.settle()
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
			s.observe(ctx, observe.Event{Kind: observe.KindPairing, Status: observe.StatusFailed, Name: "dropped", SessionID: sessionID, Error: err.Error()})
			s.fail(newError(KindTransportDropped, "realtime stream dropped", err))
			s.settle()
			return
		}
		if s.handlePairingControl(sessionID, raw) {
			s.observe(ctx, observe.Event{Kind: observe.KindPairing, Status: observe.StatusCompleted, Name: "settled", SessionID: sessionID})
			s.settle()
			return
		}
		if s.Settled() {
			return
		}
	}
}

func (s *Subscription) handlePairingControl(sessionID string, raw []byte) bool {
	msg, err := wire.DecodeControl(raw)
	if err != nil {
		return false
	}
	switch m := msg.(type) {
	case *wire.PairingSubscribed:
		s.emit(wire.Envelope{Event: wire.EventReady, Data: m, RawData: string(raw)})

	case *wire.PairingStatus:
		s.emit(wire.Envelope{Event: wire.EventStatus, Data: m, RawData: string(raw)})

	case *wire.PairingNotFound:
		s.emit(wire.Envelope{Event: wire.EventNotFound, Data: m, RawData: string(raw)})
		s.fail(newError(KindServerReportedError, fmt.Sprintf("pairing session %s not found", valueOr(m.SessionID, sessionID)), nil))
		return true

	case *wire.ServerError:
		s.emit(wire.Envelope{Event: wire.EventError, Data: m, RawData: string(raw)})
		s.fail(newError(KindServerReportedError, m.Message, nil))
		return true
	}
	return false
}
