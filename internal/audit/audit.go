// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package audit records who ran which remote operation, when and with what
// outcome. Entries go to a dedicated structured log stream and, when a Sink
// is configured, to durable storage.
package audit

import (
	"context"
	"strconv"
	"strings"
	"time"

	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/rs/zerolog"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Operation events
	EventOperationRun      EventType = "operation.run"
	EventOperationRejected EventType = "operation.rejected"

	// Stream events
	EventStreamSubscribe EventType = "stream.subscribe"
	EventStreamRejected  EventType = "stream.rejected"

	// Configuration events
	EventConfigReload      EventType = "config.reload"
	EventConfigReloadError EventType = "config.reload.error"

	// API access events
	EventAuthMissing  EventType = "auth.missing"
	EventAPIRateLimit EventType = "api.ratelimit"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp    time.Time         `json:"timestamp"`
	Type         EventType         `json:"type"`
	Actor        string            `json:"actor"`             // WHO: username or "system"
	Action       string            `json:"action"`            // WHAT: operation ID or description
	Resource     string            `json:"resource"`          // app name, stream key or endpoint
	Result       string            `json:"result"`            // success, failure, denied
	RemoteAddr   string            `json:"remote_addr"`       // Client IP address
	UserAgent    string            `json:"user_agent"`        // Client user agent
	RequestID    string            `json:"request_id"`        // Correlation ID
	InvocationID string            `json:"invocation_id"`     // Invocation correlation ID
	Details      map[string]string `json:"details,omitempty"` // Additional context
}

// Sink persists audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
	sink   Sink
}

// NewLogger creates an audit logger with a dedicated "audit" component.
// sink may be nil.
func NewLogger(sink Sink) *Logger {
	return &Logger{
		logger: xglog.WithComponent("audit").With().Str("log_type", "audit").Logger(),
		sink:   sink,
	}
}

// Log writes an audit event. A sink failure is logged and otherwise ignored;
// auditing never fails the audited action.
func (l *Logger) Log(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = xglog.RequestIDFromContext(ctx)
	}
	if event.InvocationID == "" {
		event.InvocationID = xglog.InvocationIDFromContext(ctx)
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str(xglog.FieldActor, event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RemoteAddr != "" {
		logEvent.Str("remote_addr", event.RemoteAddr)
	}
	if event.UserAgent != "" {
		logEvent.Str("user_agent", event.UserAgent)
	}
	if event.RequestID != "" {
		logEvent.Str(xglog.FieldRequestID, event.RequestID)
	}
	if event.InvocationID != "" {
		logEvent.Str(xglog.FieldInvocationID, event.InvocationID)
	}
	for key, value := range event.Details {
		logEvent.Str(key, value)
	}
	logEvent.Msg("audit event")

	if l.sink != nil {
		if err := l.sink.Record(context.WithoutCancel(ctx), event); err != nil {
			l.logger.Error().Err(err).Str(xglog.FieldEvent, "audit.persist_failed").Msg("failed to persist audit event")
		}
	}
}

// OperationRun logs a completed or failed non-streaming operation. argv must
// already be redacted.
func (l *Logger) OperationRun(ctx context.Context, actor, op, app string, argv []string, exitCode int, err error) {
	result := ResultSuccess
	details := map[string]string{
		"argv":      strings.Join(argv, " "),
		"exit_code": strconv.Itoa(exitCode),
	}
	if err != nil {
		result = ResultFailure
		details["error"] = err.Error()
		delete(details, "exit_code")
	} else if exitCode != 0 {
		result = ResultFailure
	}
	l.Log(ctx, Event{
		Type:     EventOperationRun,
		Actor:    actor,
		Action:   op,
		Resource: app,
		Result:   result,
		Details:  details,
	})
}

// OperationRejected logs an operation that failed validation.
func (l *Logger) OperationRejected(ctx context.Context, actor, op, reason string) {
	l.Log(ctx, Event{
		Type:    EventOperationRejected,
		Actor:   actor,
		Action:  op,
		Result:  ResultDenied,
		Details: map[string]string{"reason": reason},
	})
}

// StreamSubscribe logs a subscriber joining a stream.
func (l *Logger) StreamSubscribe(ctx context.Context, actor, streamKey, subscriptionID string, err error) {
	ev := Event{
		Type:     EventStreamSubscribe,
		Actor:    actor,
		Action:   "subscribe",
		Resource: streamKey,
		Result:   ResultSuccess,
	}
	if subscriptionID != "" {
		ev.Details = map[string]string{"subscription_id": subscriptionID}
	}
	if err != nil {
		ev.Type = EventStreamRejected
		ev.Result = ResultFailure
		ev.Details = map[string]string{"error": err.Error()}
	}
	l.Log(ctx, ev)
}

// ConfigReload logs a configuration reload event.
func (l *Logger) ConfigReload(ctx context.Context, result string, details map[string]string) {
	typ := EventConfigReload
	if result != ResultSuccess {
		typ = EventConfigReloadError
	}
	l.Log(ctx, Event{
		Type:     typ,
		Actor:    "system",
		Action:   "reloaded configuration",
		Resource: "config",
		Result:   result,
		Details:  details,
	})
}

// AuthMissing logs a request without identity headers.
func (l *Logger) AuthMissing(ctx context.Context, remoteAddr, endpoint string) {
	l.Log(ctx, Event{
		Type:       EventAuthMissing,
		Actor:      remoteAddr,
		Action:     "accessed endpoint without identity",
		Resource:   endpoint,
		Result:     ResultDenied,
		RemoteAddr: remoteAddr,
	})
}

// RateLimitExceeded logs rate limit violations.
func (l *Logger) RateLimitExceeded(ctx context.Context, actor, remoteAddr, endpoint string) {
	l.Log(ctx, Event{
		Type:       EventAPIRateLimit,
		Actor:      actor,
		Action:     "rate limit exceeded",
		Resource:   endpoint,
		Result:     ResultDenied,
		RemoteAddr: remoteAddr,
	})
}
