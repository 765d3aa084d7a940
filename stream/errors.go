package stream

import "fmt"

// ErrorKind classifies subscription failures. Transport errors are never
// returned from Subscribe calls; they always arrive through OnError.
type ErrorKind string

const (
	// KindTransportOpenFailure: the low-latency channel never reached
	// active. Triggers fallback on run streams, hard failure on pairing
	// streams.
	KindTransportOpenFailure ErrorKind = "transport_open_failure"
	// KindTransportDropped: the low-latency channel closed or errored
	// after being active.
	KindTransportDropped ErrorKind = "transport_dropped"
	// KindDegradedTransportFailure: the fallback channel failed
	// (non-2xx, missing body, or read error). Terminal; retry policy
	// belongs to the caller.
	KindDegradedTransportFailure ErrorKind = "degraded_transport_failure"
	// KindServerReportedError: the server sent run_not_found,
	// pairing_not_found, or an error frame. Terminal.
	KindServerReportedError ErrorKind = "server_reported_error"
)

// Error is a classified subscription failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the classification from a subscription error, or ""
// for foreign errors.
func KindOf(err error) ErrorKind {
	if se, ok := err.(*Error); ok {
		return se.Kind
	}
	return ""
}
