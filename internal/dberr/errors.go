// Package dberr defines ThemisDB's error taxonomy as a single typed
// error carrying a Kind, replacing exception-based control flow with
// an explicit result/error return at every boundary.
package dberr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy of the specification. Kinds
// never carry language-level stack unwinding semantics; callers
// branch on Kind via errors.As + (*Error).Kind.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Exists
	InvalidValue
	InvalidQuery
	UniqueViolation
	Conflict
	Timeout
	DeadlineExceeded
	Busy
	Corruption
	IO
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Exists:
		return "Exists"
	case InvalidValue:
		return "InvalidValue"
	case InvalidQuery:
		return "InvalidQuery"
	case UniqueViolation:
		return "UniqueViolation"
	case Conflict:
		return "Conflict"
	case Timeout:
		return "Timeout"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case Busy:
		return "Busy"
	case Corruption:
		return "Corruption"
	case IO:
		return "IO"
	case Unsupported:
		return "Unsupported"
	default:
		return "Internal"
	}
}

// Retryable reports whether the propagation policy expects the caller
// to retry with backoff.
func (k Kind) Retryable() bool {
	switch k {
	case Conflict, Timeout, Busy:
		return true
	default:
		return false
	}
}

// Fatal reports whether the kind is fatal to the process once logged
// (Corruption, persistent IO, Internal) rather than merely fatal to
// the operation.
func (k Kind) Fatal() bool {
	switch k {
	case Corruption, IO, Internal:
		return true
	default:
		return false
	}
}

// Error is the single error type every ThemisDB package returns.
type Error struct {
	Kind        Kind
	Table       string
	Key         string
	ConflictSeq uint64 // populated only for Kind == Conflict
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Table != "" {
		msg += fmt.Sprintf(" table=%s", e.Table)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" key=%s", e.Key)
	}
	if e.Kind == Conflict && e.ConflictSeq != 0 {
		msg += fmt.Sprintf(" conflictSeq=%d", e.ConflictSeq)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a bare Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap constructs an Error of the given kind wrapping err.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithTable/WithKey/WithConflictSeq return a copy of e annotated with
// call-site context: error kind, table/key, and for conflicts the
// sequence number the caller's retry logic needs.
func (e *Error) WithTable(table string) *Error {
	c := *e
	c.Table = table
	return &c
}

func (e *Error) WithKey(key string) *Error {
	c := *e
	c.Key = key
	return &c
}

func (e *Error) WithConflictSeq(seq uint64) *Error {
	c := *e
	c.ConflictSeq = seq
	return &c
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for
// errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return Kind(-1)
	}
	return Internal
}
