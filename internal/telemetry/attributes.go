// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by gateway spans.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	OperationKey    = "dokku.operation"
	InvocationIDKey = "dokku.invocation_id"
	AppKey          = "dokku.app"
	MutatingKey     = "dokku.mutating"
	ExitCodeKey     = "dokku.exit_code"

	AttemptKey   = "exec.attempt"
	SessionIDKey = "exec.session_id"
	TruncatedKey = "exec.truncated"

	StreamKindKey   = "stream.kind"
	StreamReasonKey = "stream.reason"

	ErrorKindKey = "error.kind"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// InvocationAttributes describes one allowlisted operation run.
func InvocationAttributes(operation, invocationID, app string, mutating bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(OperationKey, operation),
		attribute.String(InvocationIDKey, invocationID),
		attribute.Bool(MutatingKey, mutating),
	}
	if app != "" {
		attrs = append(attrs, attribute.String(AppKey, app))
	}
	return attrs
}

// StreamAttributes describes one stream key.
func StreamAttributes(app, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AppKey, app),
		attribute.String(StreamKindKey, kind),
	}
}
