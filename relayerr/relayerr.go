// Package relayerr defines the wire-facing error kinds carried in an Error response frame.
// Internal errors (app/errors, stack-bearing) are mapped to a Kind and a human description
// at the session boundary; the stack trace never reaches the wire.
package relayerr

// Kind enumerates the wire error kinds of the Error response frame.
type Kind string

const (
	InvalidAddress        Kind = "InvalidAddress"
	InvalidSignature      Kind = "InvalidSignature"
	UnknownRequest        Kind = "UnknownRequest"
	ProtocolViolation     Kind = "ProtocolViolation"
	SlateTooLarge         Kind = "SlateTooLarge"
	MailboxFull           Kind = "MailboxFull"
	SubscriptionLimit     Kind = "SubscriptionLimit"
	FederationUnavailable Kind = "FederationUnavailable"
	InternalError         Kind = "InternalError"
)

// Error pairs a wire Kind with a human-readable description, implementing the error interface
// so it can be passed through ordinary Go error handling before being rendered to a frame.
type Error struct {
	Kind        Kind
	Description string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Description
}

// New returns a wire error of the given kind and description.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Fatal reports whether a session must close after emitting this error.
func (e *Error) Fatal() bool {
	return e.Kind == ProtocolViolation
}
