// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package remote defines the transport contract to the Dokku host and its
// SSH implementation.
//
// Commands cross this boundary as argv token slices. The SSH exec request
// carries a single string, so CommandLine quotes every token with POSIX
// single-quote rules; a token never expands into more than one argument.
package remote

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kballard/go-shellquote"
)

var (
	// ErrAuth marks dial failures that retrying cannot fix (rejected key, host key mismatch).
	ErrAuth = errors.New("remote: authentication rejected")
	// ErrDial marks transient dial failures (refused, timeout, handshake reset).
	ErrDial = errors.New("remote: dial failed")
	// ErrTransport marks a connection or channel failure during a command.
	ErrTransport = errors.New("remote: transport failure")
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("remote: connection closed")
)

// Dialer establishes authenticated connections to the remote host.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one authenticated connection. It is not safe for concurrent
// commands; the pool guarantees a single lessee.
type Conn interface {
	// Exec runs argv to completion, streaming output into stdout and stderr.
	// A command that ran and exited non-zero returns (code, nil). A non-nil
	// error always means the transport failed and the exit code is unknown.
	Exec(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error)

	// Start launches a long-running command. Stdout and stderr are merged.
	Start(ctx context.Context, argv []string) (Process, error)

	// Probe performs a cheap no-op round trip.
	Probe(ctx context.Context) error

	Close() error
}

// Process is a running remote command started by Conn.Start.
type Process interface {
	// Output yields the merged stdout/stderr; it reaches EOF when the command ends.
	Output() io.Reader

	// Wait blocks until the command exits. err is non-nil when the channel
	// broke before an exit status arrived.
	Wait() (exitCode int, err error)

	// Terminate asks the command to stop, waits up to grace, then tears the
	// channel down. It is safe to call more than once.
	Terminate(grace time.Duration) error
}

// CommandLine renders argv into the single string an SSH exec request carries.
// Tokens made only of shell-safe characters are left bare, which keeps the
// line readable for hosts that word-split instead of parsing quotes.
func CommandLine(argv []string) string {
	return shellquote.Join(argv...)
}
