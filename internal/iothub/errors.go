package iothub

import "errors"

// Domain-specific errors for hub sessions.
var (
	// ErrUnexpectedTopic is returned when an inbound topic does not match
	// the layout its subscription expects.
	ErrUnexpectedTopic = errors.New("iothub: unexpected topic")

	// ErrTwinTimeout is returned when the hub does not answer a twin
	// request within the operation timeout.
	ErrTwinTimeout = errors.New("iothub: twin request timed out")

	// ErrTwinRejected is returned when the hub answers a twin request with
	// a non-2xx status.
	ErrTwinRejected = errors.New("iothub: twin request rejected")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("iothub: session closed")

	// ErrNotOpen is returned for operations before Open succeeded.
	ErrNotOpen = errors.New("iothub: session not open")

	// ErrInvalidConfig is returned when a session cannot be built.
	ErrInvalidConfig = errors.New("iothub: invalid session config")
)
