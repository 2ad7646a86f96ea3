package flow

import (
	"errors"
	"fmt"
)

// Kind classifies a flow failure for recovery policy and surfacing.
type Kind string

const (
	// KindValidation covers missing fields and unresolvable models. No
	// recovery; surfaced as a client error.
	KindValidation Kind = "validation"

	// KindGateway covers non-2xx agent gateway responses. Not retried.
	KindGateway Kind = "gateway"

	// KindGatewayParse covers malformed gateway JSON.
	KindGatewayParse Kind = "gateway_parse"

	// KindStreamDecode covers SSE decode failures (oversized line).
	KindStreamDecode Kind = "stream_decode"

	// KindStorage covers persistence failures. Logged; does not abort
	// delivery of events already in flight.
	KindStorage Kind = "storage"

	// KindTransient covers network failures and upstream 5xx. The core
	// does not auto-retry.
	KindTransient Kind = "transient"
)

// Error is a classified flow failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

func failf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the failure kind, or KindTransient for unclassified
// errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsValidation reports whether err is a resolve-time validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}
