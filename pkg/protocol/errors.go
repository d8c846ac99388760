package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so they survive the trip over the wire.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindUnknownAction ErrorKind = "unknown_action"
	KindStoreFailure  ErrorKind = "store_failure"
	KindDisconnected  ErrorKind = "disconnected"
	KindTimeout       ErrorKind = "timeout"
)

// Sentinels for errors.Is, they match any Error of the same kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrUnknownAction = &Error{Kind: KindUnknownAction}
	ErrStoreFailure  = &Error{Kind: KindStoreFailure}
	ErrDisconnected  = &Error{Kind: KindDisconnected}
	ErrTimeout       = &Error{Kind: KindTimeout}
)

type Error struct {
	Kind    ErrorKind
	Message string
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches sentinels by kind, and full errors by kind and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// AsError unwraps err into an *Error, errors without one become store failures.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindStoreFailure, Message: err.Error()}
}
