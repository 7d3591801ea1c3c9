// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID    = "request_id"
	FieldInvocationID = "invocation_id"
	FieldSubscription = "subscription_id"
	FieldActor        = "actor"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldSessionID = "session_id"
	FieldAttempt   = "attempt"

	// Operation fields
	FieldOperation = "operation"
	FieldApp       = "app"
	FieldStreamKey = "stream_key"
	FieldExitCode  = "exit_code"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldRemoteHost = "remote_host"
	FieldPath       = "path"
)
