// Package fault defines the error taxonomy shared by every layer of the
// runtime. Errors are values carrying a Kind; layers classify with
// errors.As and never branch on message text.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set is closed; new failure modes must
// map onto one of these.
type Kind string

const (
	Cancelled           Kind = "Cancelled"
	Timeout             Kind = "Timeout"
	BudgetExceeded      Kind = "BudgetExceeded"
	MaxIterations       Kind = "MaxIterations"
	ConfigError         Kind = "ConfigError"
	ToolNotAvailable    Kind = "ToolNotAvailable"
	ToolInvocationError Kind = "ToolInvocationError"
	A2AError            Kind = "A2AError"
	ProtocolError       Kind = "ProtocolError"
	PersistenceError    Kind = "PersistenceError"
	AdmissionError      Kind = "AdmissionError"
	QuorumFailed        Kind = "QuorumFailed"
)

// Error is a classified failure. Message is human-safe (redacted, no
// secrets) and suitable for the wire; Err retains the original cause for
// logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Context cancellation and deadline
// errors override the given kind so Cancelled/Timeout always win.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		kind = Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Plain
// context errors classify as Cancelled/Timeout; anything else is
// ToolInvocationError's generic sibling, reported as empty.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a caller may safely retry the failed
// operation. Budget and iteration caps require operator intervention.
func Retryable(kind Kind) bool {
	switch kind {
	case Timeout, Cancelled, PersistenceError, A2AError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code the edge should answer with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case AdmissionError:
		return http.StatusForbidden
	case BudgetExceeded:
		return http.StatusTooManyRequests
	case ConfigError, ProtocolError:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
