package kv

import (
	"errors"
	"strings"
)

// Kind classifies every error that crosses the Store boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindQuery
	KindSerialization
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindQuery:
		return "query error"
	case KindSerialization:
		return "serialization error"
	case KindNotFound:
		return "not found"
	default:
		return "unknown error"
	}
}

// Error is the only error type a Store returns. Err keeps the driver cause for
// diagnostics; callers branch on Kind (or errors.Is against the sentinels below).
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("kv: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels, for use with errors.Is.
var (
	ErrConnection    = &Error{Kind: KindConnection}
	ErrQuery         = &Error{Kind: KindQuery}
	ErrSerialization = &Error{Kind: KindSerialization}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrUnknown       = &Error{Kind: KindUnknown}
)

var (
	// ErrEmptyKey is returned by the facade for "" keys.
	ErrEmptyKey = errors.New("key must not be empty")

	// ErrInvalidIdentifier is returned when a table, schema, collection or namespace
	// name contains characters outside the allowed set.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConnectionError reports a failure to establish or reuse a backend connection.
func ConnectionError(op string, err error) error { return newError(KindConnection, op, err) }

// QueryError reports a backend that rejected or failed to execute an operation.
func QueryError(op string, err error) error { return newError(KindQuery, op, err) }

// SerializationError reports a payload that does not encode or decode as JSON.
func SerializationError(op string, err error) error { return newError(KindSerialization, op, err) }

// Wrap returns err unchanged when it is already an *Error, otherwise wraps it
// as KindUnknown.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return err
	}
	return newError(KindUnknown, op, err)
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindUnknown
}
