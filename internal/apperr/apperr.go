// Package apperr carries the error taxonomy shared by every core component.
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别，调用方据此区分"输入错误"与"稍后重试"。
type Kind string

const (
	KindUnauthenticated      Kind = "unauthenticated"
	KindIdentityMismatch     Kind = "identity_mismatch"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindInvalidInput         Kind = "invalid_input"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
	KindStorageUnavailable   Kind = "storage_unavailable"
	KindUnavailable          Kind = "unavailable"
	KindServiceUnavailable   Kind = "service_unavailable"
	KindConflict             Kind = "conflict"
	KindInternal             Kind = "internal"
)

// Error is a classified failure. Err keeps the original cause for errors.Is/As.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Permanent reports whether retrying an operation that failed with kind is pointless.
func Permanent(kind Kind) bool {
	switch kind {
	case KindUnauthenticated, KindIdentityMismatch, KindForbidden,
		KindNotFound, KindInvalidInput, KindUnsupportedMediaType:
		return true
	default:
		return false
	}
}

// Retryable reports whether the caller may safely repeat the whole user action.
func Retryable(kind Kind) bool {
	switch kind {
	case KindStorageUnavailable, KindUnavailable, KindServiceUnavailable, KindConflict:
		return true
	default:
		return false
	}
}

func Unauthenticated(op, msg string) *Error { return New(KindUnauthenticated, op, msg) }
func Forbidden(op, msg string) *Error       { return New(KindForbidden, op, msg) }
func NotFound(op, msg string) *Error        { return New(KindNotFound, op, msg) }
func InvalidInput(op, msg string) *Error    { return New(KindInvalidInput, op, msg) }
