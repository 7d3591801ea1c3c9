// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package executor runs non-streaming invocations on a leased session.
//
// A transport failure (broken channel, timeout) invalidates the session and
// is retried once on another session. A remote command that ran and exited
// non-zero is a normal Result and is never retried.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/gwerr"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/ManuGH/dokkugw/internal/metrics"
	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxAttempts = 2

// SessionPool is the subset of *pool.Pool the executor needs.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Session, error)
	TryAcquire(ctx context.Context) (*pool.Session, error)
	Release(s *pool.Session)
	Invalidate(s *pool.Session)
}

// Config bounds each execution.
type Config struct {
	// Timeout applies to operations whose spec has no timeout of its own.
	Timeout time.Duration
	// OutputCap bounds stdout and stderr separately.
	OutputCap int
	// FailFast makes the first acquire return PoolExhausted instead of queueing.
	FailFast bool
}

// Result is the outcome of a command that ran on the remote host.
type Result struct {
	Operation       string        `json:"operation"`
	InvocationID    string        `json:"invocationId"`
	ExitCode        int           `json:"exitCode"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool          `json:"stderrTruncated,omitempty"`
	Duration        time.Duration `json:"durationNs"`
	Attempts        int           `json:"attempts"`
}

// Succeeded reports a zero exit code.
func (r *Result) Succeeded() bool { return r.ExitCode == 0 }

// Executor runs invocations against the pool.
type Executor struct {
	pool   SessionPool
	cfg    Config
	tracer trace.Tracer
}

// New creates an Executor.
func New(p SessionPool, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = 256 << 10
	}
	return &Executor{pool: p, cfg: cfg, tracer: telemetry.Tracer("dokkugw.executor")}
}

// Execute runs inv to completion.
func (e *Executor) Execute(ctx context.Context, inv *allowlist.Invocation) (res *Result, err error) {
	op := inv.Spec.ID
	if inv.Spec.Streaming {
		return nil, gwerr.InvalidArgument(op, "", "streaming operation cannot be executed")
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("%s: %w", op, cerr)
	}
	if err := inv.Consume(); err != nil {
		return nil, gwerr.New(gwerr.ErrInvalidArgument, op, "", "", err)
	}

	ctx, span := e.tracer.Start(ctx, "dokkugw.exec", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.InvocationAttributes(op, inv.ID, inv.Values["app"], inv.Spec.Mutating)...)
	start := time.Now()
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.Int(telemetry.ExitCodeKey, res.ExitCode))
		} else {
			span.SetAttributes(attribute.String(telemetry.ErrorKindKey, string(gwerr.KindOf(err))))
		}
		telemetry.EndSpan(span, err)
	}()

	logger := xglog.WithContext(ctx, xglog.WithComponent("executor")).With().
		Str(xglog.FieldOperation, op).
		Str(xglog.FieldInvocationID, inv.ID).
		Str(xglog.FieldActor, inv.Identity.Actor()).
		Logger()

	timeout := inv.Spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, lastErr = e.attempt(ctx, inv, attempt, timeout, logger)
		if lastErr == nil {
			res.Duration = time.Since(start)
			metrics.ObserveExec(op, res.ExitCode, "", res.Duration)
			logger.Info().
				Str(xglog.FieldEvent, "executor.completed").
				Int(xglog.FieldExitCode, res.ExitCode).
				Int(xglog.FieldAttempt, attempt).
				Dur("duration", res.Duration).
				Msg("operation completed")
			return res, nil
		}
		if !errors.Is(lastErr, errTransport) || ctx.Err() != nil || attempt == maxAttempts {
			break
		}
		metrics.IncExecRetry(op)
		logger.Warn().
			Str(xglog.FieldEvent, "executor.retry").
			Int(xglog.FieldAttempt, attempt).
			Err(lastErr).
			Msg("transport failure, retrying on a fresh session")
	}

	if cerr := ctx.Err(); cerr != nil {
		// The caller gave up; report that rather than a remote failure.
		metrics.ObserveExec(op, -1, "canceled", time.Since(start))
		logger.Info().
			Str(xglog.FieldEvent, "executor.canceled").
			Err(lastErr).
			Msg("operation canceled by caller")
		return nil, fmt.Errorf("%s: %w", op, cerr)
	}

	err = classify(op, lastErr)
	metrics.ObserveExec(op, -1, string(gwerr.KindOf(err)), time.Since(start))
	logger.Error().
		Str(xglog.FieldEvent, "executor.failed").
		Str("kind", string(gwerr.KindOf(err))).
		Err(err).
		Msg("operation failed")
	return nil, err
}

// errTransport tags attempt errors that happened after a session was leased.
var errTransport = errors.New("transport")

type transportError struct{ err error }

func (t transportError) Error() string   { return t.err.Error() }
func (t transportError) Unwrap() []error { return []error{errTransport, t.err} }

func (e *Executor) attempt(ctx context.Context, inv *allowlist.Invocation, attempt int, timeout time.Duration, logger zerolog.Logger) (*Result, error) {
	var (
		sess *pool.Session
		err  error
	)
	if attempt == 1 && e.cfg.FailFast {
		sess, err = e.pool.TryAcquire(ctx)
	} else {
		sess, err = e.pool.Acquire(ctx)
	}
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, span := e.tracer.Start(actx, "dokkugw.exec.attempt")
	span.SetAttributes(
		attribute.Int(telemetry.AttemptKey, attempt),
		attribute.Int64(telemetry.SessionIDKey, int64(sess.ID())),
	)

	stdout := newCapture(e.cfg.OutputCap)
	stderr := newCapture(e.cfg.OutputCap)
	code, err := sess.Conn().Exec(actx, inv.Argv, stdout, stderr)
	if err != nil {
		e.pool.Invalidate(sess)
		if actx.Err() != nil && ctx.Err() == nil {
			logger.Warn().
				Str(xglog.FieldEvent, "executor.timeout").
				Dur("timeout", timeout).
				Msg("attempt timed out")
		}
		telemetry.EndSpan(span, err)
		return nil, transportError{err: err}
	}
	e.pool.Release(sess)

	res := &Result{
		Operation:       inv.Spec.ID,
		InvocationID:    inv.ID,
		ExitCode:        code,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated(),
		StderrTruncated: stderr.truncated(),
		Attempts:        attempt,
	}
	if res.StdoutTruncated {
		metrics.IncExecTruncated(inv.Spec.ID, false)
	}
	if res.StderrTruncated {
		metrics.IncExecTruncated(inv.Spec.ID, true)
	}
	span.SetAttributes(
		attribute.Int(telemetry.ExitCodeKey, code),
		attribute.Bool(telemetry.TruncatedKey, res.StdoutTruncated || res.StderrTruncated),
	)
	telemetry.EndSpan(span, nil)
	return res, nil
}

// classify maps a final attempt error onto the gateway taxonomy. Pool
// errors are already classified; transport errors become ExecutionFailed.
// Caller cancellation never reaches it.
func classify(op string, err error) error {
	if errors.Is(err, errTransport) {
		return gwerr.New(gwerr.ErrExecutionFailed, op, "", "", err)
	}
	if gwerr.KindOf(err) != gwerr.KindInternal {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return gwerr.New(gwerr.ErrExecutionFailed, op, "", "canceled before execution", err)
	}
	return gwerr.New(gwerr.ErrExecutionFailed, op, "", "", err)
}
