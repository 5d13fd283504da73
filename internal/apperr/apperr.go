package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of an action failure.
type Kind string

const (
	// TransportUnavailable means the feed or data service could not be
	// reached. Recovered locally with backoff before being surfaced.
	TransportUnavailable Kind = "TRANSPORT_UNAVAILABLE"
	// InvalidTransition means a contract state-machine guard was violated.
	// Never retried automatically.
	InvalidTransition Kind = "INVALID_TRANSITION"
	// StaleCatalogState means the plan was no longer active at write time.
	StaleCatalogState Kind = "STALE_CATALOG_STATE"
	// WriteRejected means the remote write failed; optimistic state is rolled back.
	WriteRejected Kind = "WRITE_REJECTED"
	// NotFound means a record was missing on a direct fetch.
	NotFound Kind = "NOT_FOUND"
)

// Error carries a classification plus a human-readable reason, so the
// presentation layer can show a message without hardcoding text per kind.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a display reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap creates a classified error with an underlying cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the classification from err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Reason returns the display reason of err, or its plain Error string
// for unclassified errors.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
