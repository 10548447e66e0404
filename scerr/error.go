// Package scerr defines the status taxonomy used across the service
// control client instead of plain error strings.
package scerr

import "errors"

// Code classifies why an aggregator or transport call did not succeed.
type Code int

const (
	OK Code = iota
	InvalidArgument
	// NotFound is an in-band signal, not a failure: it tells the caller
	// to dispatch the request upstream itself.
	NotFound
	OutOfRange
	PermissionDenied
	Unavailable
	DeadlineExceeded
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case OutOfRange:
		return "OUT_OF_RANGE"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case Unavailable:
		return "UNAVAILABLE"
	case DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error pairs a Code with a human-readable message and an optional
// wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets callers write errors.Is(err, scerr.ErrNotFound) by comparing
// codes against a sentinel built from the target code.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// sentinel returns a zero-message *Error carrying only a code, suitable
// as an errors.Is target: errors.Is(err, scerr.ErrNotFound).
func sentinel(c Code) error { return &Error{Code: c} }

var (
	ErrOK               = sentinel(OK)
	ErrInvalidArgument  = sentinel(InvalidArgument)
	ErrNotFound         = sentinel(NotFound)
	ErrOutOfRange       = sentinel(OutOfRange)
	ErrPermissionDenied = sentinel(PermissionDenied)
	ErrUnavailable      = sentinel(Unavailable)
	ErrDeadlineExceeded = sentinel(DeadlineExceeded)
	ErrInternal         = sentinel(Internal)
)

// CodeOf extracts the Code carried by err, or OK if err is nil, or
// Internal if err is not an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Internal
}
