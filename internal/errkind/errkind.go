// Package errkind classifies the error taxonomy shared by the Task
// Manager, Session Layer, and Engine Adapter so a single switch turns any
// internal error into the wire error envelope.
package errkind

import "errors"

// Kind enumerates the error categories recognized by the system.
type Kind string

const (
	// Input errors: permanent, no retry.
	UnsupportedFormat  Kind = "UnsupportedFormat"
	FileTooLarge       Kind = "FileTooLarge"
	FileHashMismatch   Kind = "FileHashMismatch"
	AudioTooShort      Kind = "AudioTooShort"
	AuthFailed         Kind = "AuthFailed"
	InvalidMessage     Kind = "InvalidMessage"
	UnknownTask        Kind = "UnknownTask"

	// Capacity errors: permanent for this request, caller may resubmit.
	QueueFull      Kind = "QueueFull"
	MaxConnections Kind = "MaxConnections"

	// Transient engine errors: retried up to retry_times.
	TransientEngineFault Kind = "TransientEngineFault"

	// Timeout error: permanent.
	TaskTimeout Kind = "TaskTimeout"

	// Session errors.
	Disconnected Kind = "Disconnected"
	Timeout      Kind = "Timeout"
	Backpressure Kind = "Backpressure"

	// Internal is a catch-all for errors the caller did not classify.
	Internal Kind = "Internal"
)

// Retryable reports whether a task encountering this error kind should be
// retried by the Task Manager rather than marked permanently Failed.
func (k Kind) Retryable() bool {
	return k == TransientEngineFault
}

// Error pairs a Kind with a human-readable detail, implementing the error
// interface so it can flow through normal Go error handling while still
// carrying the classification the wire protocol needs.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// New constructs a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Classify extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns Internal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Internal
}
