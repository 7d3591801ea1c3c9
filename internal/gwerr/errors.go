// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package gwerr defines the gateway error taxonomy.
//
// Every failure surfaced by the gateway wraps exactly one of the sentinel
// errors below. Callers classify with errors.Is; KindOf maps an error to a
// stable machine-readable code for HTTP problem responses and metrics.
package gwerr

import (
	"errors"
	"fmt"
)

var (
	// Client-caused. Never retried, never reach the remote host.
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingArgument  = errors.New("missing argument")
	ErrInvalidArgument  = errors.New("invalid argument")

	// Transient / infrastructure. Retried locally, surfaced after exhaustion.
	ErrPoolExhausted   = errors.New("connection pool exhausted")
	ErrConnectFailed   = errors.New("connect to remote host failed")
	ErrExecutionFailed = errors.New("remote execution failed")

	// Fatal to the pool session, surfaced immediately.
	ErrAuthFailed = errors.New("remote authentication failed")
)

// Kind is a stable code for an error class.
type Kind string

const (
	KindUnknownOperation Kind = "UNKNOWN_OPERATION"
	KindMissingArgument  Kind = "MISSING_ARGUMENT"
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindPoolExhausted    Kind = "POOL_EXHAUSTED"
	KindConnectFailed    Kind = "CONNECT_FAILED"
	KindExecutionFailed  Kind = "EXECUTION_FAILED"
	KindAuthFailed       Kind = "AUTH_FAILED"
	KindInternal         Kind = "INTERNAL"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrUnknownOperation, KindUnknownOperation},
	{ErrMissingArgument, KindMissingArgument},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrPoolExhausted, KindPoolExhausted},
	{ErrAuthFailed, KindAuthFailed},
	{ErrConnectFailed, KindConnectFailed},
	{ErrExecutionFailed, KindExecutionFailed},
}

// Error is a rich error that wraps a sentinel with context.
type Error struct {
	Sentinel  error
	Operation string // operation ID, if known
	Key       string // argument name for argument errors
	Detail    string
	Err       error // nested lower-level error (e.g. ssh or net error)
}

func (e *Error) Error() string {
	msg := e.Sentinel.Error()
	if e.Operation != "" {
		msg = fmt.Sprintf("%s: %s", e.Operation, msg)
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Key)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is matches the sentinel so errors.Is works without exposing the nested error chain.
func (e *Error) Is(target error) bool {
	return target == e.Sentinel
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for the given sentinel.
func New(sentinel error, operation, key, detail string, err error) *Error {
	return &Error{Sentinel: sentinel, Operation: operation, Key: key, Detail: detail, Err: err}
}

// UnknownOperation reports an operation ID outside the registry.
func UnknownOperation(op string) error {
	return New(ErrUnknownOperation, op, "", "", nil)
}

// MissingArgument reports a declared placeholder absent from the request.
func MissingArgument(op, key string) error {
	return New(ErrMissingArgument, op, key, "", nil)
}

// InvalidArgument reports an argument that failed validation or was not declared.
func InvalidArgument(op, key, detail string) error {
	return New(ErrInvalidArgument, op, key, detail, nil)
}

// KindOf returns the stable kind code for err, or KindInternal when it is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// IsClient reports whether err was caused by the caller's input.
func IsClient(err error) bool {
	return errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrMissingArgument) ||
		errors.Is(err, ErrInvalidArgument)
}

// Retryable reports whether a failure is transient infrastructure trouble.
func Retryable(err error) bool {
	if errors.Is(err, ErrAuthFailed) || IsClient(err) {
		return false
	}
	return errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrExecutionFailed) ||
		errors.Is(err, ErrPoolExhausted)
}

// ArgumentKey returns the argument name carried by an argument error.
func ArgumentKey(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Key
	}
	return ""
}
