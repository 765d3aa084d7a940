// Package otel bridges the observe.Sink to OpenTelemetry tracing so that
// subscription lifecycles, transport fallbacks, and resumed mutations show
// up as spans in any OTel-compatible backend.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stackoverworld/fyreflow/observe"
)

const instrumentationName = "github.com/stackoverworld/fyreflow"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider. A nil
// provider yields a noop tracer.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into a span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(event.Timestamp))

	attrs := []attribute.KeyValue{
		attribute.String("fyreflow.event.kind", string(event.Kind)),
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("fyreflow.run.id", event.RunID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("fyreflow.session.id", event.SessionID))
	}
	if event.ConversationID != "" {
		attrs = append(attrs, attribute.String("fyreflow.conversation.id", event.ConversationID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, attribute.String("fyreflow.request.id", event.RequestID))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("fyreflow.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("fyreflow.status", string(event.Status)))
	}
	if event.Cursor > 0 {
		attrs = append(attrs, attribute.Int64("fyreflow.cursor", event.Cursor))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("fyreflow.message", truncate(event.Message, 1024)))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("fyreflow.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	if event.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(event.Timestamp))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindStream:
		return "fyreflow.stream." + nameOr(event.Name, "subscription")
	case observe.KindPairing:
		return "fyreflow.pairing." + nameOr(event.Name, "subscription")
	case observe.KindMutation:
		return "fyreflow.mutation." + nameOr(event.Name, "generate")
	case observe.KindResume:
		return "fyreflow.resume." + nameOr(event.Name, "pending")
	default:
		return "fyreflow." + nameOr(event.Name, "event")
	}
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
