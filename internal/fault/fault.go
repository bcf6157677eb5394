// Package fault classifies pipeline errors so the job queue can decide
// between retry, dead-letter and fail-closed propagation.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind string

const (
	KindUnknown            Kind = ""
	KindInvalidInput       Kind = "invalid_input"
	KindTransient          Kind = "transient"
	KindTerminal           Kind = "terminal"
	KindInvariantViolation Kind = "invariant_violation"
)

var (
	InvalidInput       = errors.New("invalid input")
	Transient          = errors.New("transient failure")
	Terminal           = errors.New("terminal failure")
	InvariantViolation = errors.New("invariant violation")
)

type classified struct {
	kind  Kind
	cause error
}

func (e *classified) Error() string {
	return e.cause.Error()
}

func (e *classified) Unwrap() []error {
	return []error{sentinel(e.kind), e.cause}
}

func sentinel(kind Kind) error {
	switch kind {
	case KindInvalidInput:
		return InvalidInput
	case KindTransient:
		return Transient
	case KindTerminal:
		return Terminal
	case KindInvariantViolation:
		return InvariantViolation
	default:
		return nil
	}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, cause: err}
}

func Invalid(format string, args ...any) error {
	return Wrap(KindInvalidInput, fmt.Errorf(format, args...))
}

func Retryable(format string, args ...any) error {
	return Wrap(KindTransient, fmt.Errorf(format, args...))
}

func Permanent(format string, args ...any) error {
	return Wrap(KindTerminal, fmt.Errorf(format, args...))
}

func Violation(format string, args ...any) error {
	return Wrap(KindInvariantViolation, fmt.Errorf(format, args...))
}

// KindOf reports the outermost classification in the chain. Timeouts and
// network errors without an explicit kind count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}

	switch {
	case errors.Is(err, InvalidInput):
		return KindInvalidInput
	case errors.Is(err, Transient):
		return KindTransient
	case errors.Is(err, Terminal):
		return KindTerminal
	case errors.Is(err, InvariantViolation):
		return KindInvariantViolation
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable is true for transient failures and for unclassified errors.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return err != nil
	default:
		return false
	}
}
