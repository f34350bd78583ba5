// Package errs defines the failure taxonomy used across data acquisition.
// Every error that crosses a component boundary carries one Kind so callers
// can decide between failing a request, failing a unit, or carrying on.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindConfiguration is a missing or invalid plan, endpoint or credential
	// configuration. It fails the whole request before any remote call and is
	// not retried.
	KindConfiguration Kind = "configuration"
	// KindTransient is a timeout, connection failure or retryable HTTP status.
	KindTransient Kind = "transient_network"
	// KindProtocol is a malformed bundle, an unexpected status or a pagination
	// loop.
	KindProtocol Kind = "protocol"
	// KindReference is a failure fetching a followed reference.
	KindReference Kind = "reference_resolution"
	// KindBarrierRace is a tail sweep that lost the conditional update.
	KindBarrierRace Kind = "barrier_race"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration builds a KindConfiguration error from a format string.
func Configuration(op, format string, args ...any) error {
	return New(KindConfiguration, op, fmt.Errorf(format, args...))
}

// Transient wraps a network level failure.
func Transient(op string, err error) error {
	return New(KindTransient, op, err)
}

// Protocol builds a KindProtocol error from a format string.
func Protocol(op, format string, args ...any) error {
	return New(KindProtocol, op, fmt.Errorf(format, args...))
}

// Reference wraps a reference resolution failure.
func Reference(op string, err error) error {
	return New(KindReference, op, err)
}

// BarrierRace reports a lost tail race for the named group.
func BarrierRace(group string) error {
	return New(KindBarrierRace, "mark tail sent", fmt.Errorf("group %s already claimed", group))
}

// KindOf returns the kind of the first classified error in the chain, or ""
// when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether re-delivering the work item may succeed.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}
