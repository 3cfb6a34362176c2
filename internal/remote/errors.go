package remote

import (
	"errors"
	"fmt"
)

// FailureKind classifies a remote failure for routing purposes. It replaces
// permanence inference from error types: the driver that produced the error
// decides, and everything downstream just switches on the kind.
type FailureKind int

const (
	// FailureTransient errors are retried: the unit of work stays queued.
	FailureTransient FailureKind = iota

	// FailurePermanent errors discard or relocate the unit of work.
	FailurePermanent

	// FailureAuth marks rejected credentials; retried only after the user
	// fixes the account settings.
	FailureAuth

	// FailureCertificate marks a TLS certificate validation problem that
	// needs user attention.
	FailureCertificate
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureAuth:
		return "auth"
	case FailureCertificate:
		return "certificate"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Error is a classified remote-protocol failure.
type Error struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Permanent reports whether the failure cannot be resolved by retrying.
func (e *Error) Permanent() bool { return e.Kind == FailurePermanent }

// NewError builds a classified error wrapping cause (which may be nil).
func NewError(kind FailureKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Transientf formats a transient error.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: FailureTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) *Error {
	return &Error{Kind: FailurePermanent, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind from err's chain. Errors that carry no
// classification default to transient, so unknown conditions are retried
// rather than dropped.
func KindOf(err error) FailureKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return FailureTransient
}

// IsPermanent reports whether err's chain carries a permanent failure.
func IsPermanent(err error) bool {
	return KindOf(err) == FailurePermanent
}

// RootCauseMessage walks err's cause chain to its terminus and returns a
// short human-readable description, preferring the deepest classified
// remote error. This is the only failure text that ever reaches a user.
func RootCauseMessage(err error) string {
	if err == nil {
		return ""
	}
	var deepest *Error
	for e := err; e != nil; e = errors.Unwrap(e) {
		var re *Error
		if errors.As(e, &re) {
			deepest = re
		}
	}
	if deepest != nil {
		return deepest.Message
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			return root.Error()
		}
		root = next
	}
}
