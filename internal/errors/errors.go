// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors provides the structured, kind-tagged error type used
// across the sync daemon, matching the error-kind table of the core
// engine's error handling design.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error, per the error-kind table.
type Kind int

const (
	KindUnknown Kind = iota
	KindParse
	KindTransport
	KindProtocolNACK
	KindInvariant
	KindUserInput
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindTransport:
		return "transport"
	case KindProtocolNACK:
		return "protocol_nack"
	case KindInvariant:
		return "invariant"
	case KindUserInput:
		return "user_input"
	default:
		return "unknown"
	}
}

// Error represents a structured error in the sync daemon.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindUnknown.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindUnknown, Message: err.Error(), Underlying: err}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetAttributes collects the attributes of every *Error in err's chain.
// Where two errors carry the same key, the outermost one wins.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for ; err != nil; err = errors.Unwrap(err) {
		if e, ok := err.(*Error); ok {
			for k, v := range e.Attributes {
				if _, seen := attrs[k]; !seen {
					attrs[k] = v
				}
			}
		}
	}
	return attrs
}

// GetKind returns the Kind of the error, or KindUnknown if it isn't one of ours.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling Unwrap on err, if it has one.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// assertion panics are reserved for graph/invariant corruption — refcount
// underflow, kind-tag mismatch, pin-level violations. These are programmer
// errors, not recoverable conditions, mirroring the original C source's
// AN()/AZ() macros.

// Assert panics with a KindInvariant error if cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(Errorf(KindInvariant, format, args...))
	}
}

// AssertNil panics with a KindInvariant error if err is non-nil.
func AssertNil(err error, context string) {
	if err != nil {
		panic(Wrap(err, KindInvariant, context))
	}
}
