// Package errs classifies errors into the kinds the cycle orchestrator
// cares about: transient upstream failures feed the circuit breaker,
// permanent ones are logged and skipped, validation failures drop the
// offending fragment only.
package errs

import (
	"errors"
	"fmt"
)

// Kind buckets an error for degraded-mode accounting.
type Kind int

const (
	KindUnknown Kind = iota
	KindUpstreamTransient
	KindUpstreamPermanent
	KindValidation
	KindIdempotencyConflict
	KindIntegrityInvariant
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamPermanent:
		return "upstream_permanent"
	case KindValidation:
		return "validation"
	case KindIdempotencyConflict:
		return "idempotency_conflict"
	case KindIntegrityInvariant:
		return "integrity_invariant"
	case KindConfigInvalid:
		return "config_invalid"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Mark tags err with a kind; nil passes through.
func Mark(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Transientf builds a transient upstream error.
func Transientf(format string, args ...any) error {
	return Mark(KindUpstreamTransient, fmt.Errorf(format, args...))
}

// Permanentf builds a permanent upstream error.
func Permanentf(format string, args ...any) error {
	return Mark(KindUpstreamPermanent, fmt.Errorf(format, args...))
}

// Validationf builds a validation error for a malformed payload fragment.
func Validationf(format string, args ...any) error {
	return Mark(KindValidation, fmt.Errorf(format, args...))
}

// KindOf walks the chain and returns the outermost tagged kind.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should count against the circuit breaker.
func IsTransient(err error) bool { return KindOf(err) == KindUpstreamTransient }

// IsValidation reports whether err is a skip-the-fragment failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
