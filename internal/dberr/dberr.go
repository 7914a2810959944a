// Package dberr defines the error kinds returned by attachment and revision operations.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindBadEncoding
	KindIntegrity
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadEncoding:
		return "bad_encoding"
	case KindIntegrity:
		return "integrity_error"
	case KindInvalid:
		return "bad_request"
	default:
		return "internal_error"
	}
}

// Error is a failure of one operation, tagged with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrBadEncoding = &Error{Kind: KindBadEncoding}
	ErrIntegrity   = &Error{Kind: KindIntegrity}
	ErrInternal    = &Error{Kind: KindInternal}
	ErrInvalid     = &Error{Kind: KindInvalid}
)

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Wrap tags err with kind. A nil err stays nil. An err that already carries a
// kind keeps it, so wrapping twice never downgrades a NotFound to Internal.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Internal wraps an underlying I/O or storage failure.
func Internal(op string, err error) error {
	return Wrap(KindInternal, op, err)
}

// NotFound builds a NotFound error with a formatted message.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

// Conflict builds a Conflict error with a formatted message.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

// BadEncoding builds a BadEncoding error with a formatted message.
func BadEncoding(op, format string, args ...any) error {
	return &Error{Kind: KindBadEncoding, Op: op, Err: fmt.Errorf(format, args...)}
}

// Integrity builds an IntegrityError with a formatted message.
func Integrity(op, format string, args ...any) error {
	return &Error{Kind: KindIntegrity, Op: op, Err: fmt.Errorf(format, args...)}
}

// Invalid builds an error for malformed caller input.
func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalid, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err. Errors without one are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
