// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package problem writes RFC 7807 problem responses and maps gateway
// errors onto them.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ManuGH/dokkugw/internal/gwerr"
	"github.com/ManuGH/dokkugw/internal/log"
)

// HeaderRequestID is echoed on every problem response.
const HeaderRequestID = "X-Request-ID"

// RetryAfterSeconds is advertised when the session pool is saturated.
const RetryAfterSeconds = 1

// Write writes an RFC 7807 problem details response.
//
//   - type: canonical machine identifier (e.g. "gateway/unknown_operation")
//   - title: human-readable short label
//   - code: stable machine-readable code (e.g. "UNKNOWN_OPERATION")
//   - detail: explanation of this occurrence
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string, extra map[string]any) {
	instance := ""
	reqID := w.Header().Get(HeaderRequestID)
	if r != nil {
		instance = r.URL.EscapedPath()
		if id := log.RequestIDFromContext(r.Context()); id != "" {
			reqID = id
		}
	}

	res := map[string]any{
		"type":   problemType,
		"title":  title,
		"status": status,
		"code":   code,
	}
	if reqID != "" {
		res["requestId"] = reqID
		w.Header().Set(HeaderRequestID, reqID)
	}
	if detail != "" {
		res["detail"] = detail
	}
	if instance != "" {
		res["instance"] = instance
	}
	for k, v := range extra {
		switch k {
		case "type", "title", "status", "detail", "instance", "code", "requestId":
			log.L().Warn().Str("key", k).Str("problem_type", problemType).Msg("ignoring reserved key in problem extras")
			continue
		}
		res[k] = v
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.L().Error().
			Err(err).
			Str("type", problemType).
			Int("status", status).
			Msg("failed to encode problem response")
	}
}

// Status maps an error kind to its HTTP status.
func Status(kind gwerr.Kind) int {
	switch kind {
	case gwerr.KindUnknownOperation:
		return http.StatusNotFound
	case gwerr.KindMissingArgument, gwerr.KindInvalidArgument:
		return http.StatusBadRequest
	case gwerr.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case gwerr.KindConnectFailed, gwerr.KindExecutionFailed, gwerr.KindAuthFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var titles = map[gwerr.Kind]string{
	gwerr.KindUnknownOperation: "Unknown Operation",
	gwerr.KindMissingArgument:  "Missing Argument",
	gwerr.KindInvalidArgument:  "Invalid Argument",
	gwerr.KindPoolExhausted:    "Remote Host Busy",
	gwerr.KindConnectFailed:    "Remote Host Unreachable",
	gwerr.KindExecutionFailed:  "Remote Execution Failed",
	gwerr.KindAuthFailed:       "Remote Authentication Failed",
	gwerr.KindInternal:         "Internal Server Error",
}

// FromError writes the problem for a gateway error. Internal errors are
// reported without detail; the cause is logged instead.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	kind := gwerr.KindOf(err)
	status := Status(kind)

	var extra map[string]any
	if key := gwerr.ArgumentKey(err); key != "" {
		extra = map[string]any{"argument": key}
	}
	if kind == gwerr.KindPoolExhausted {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}

	detail := err.Error()
	if kind == gwerr.KindInternal {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "api.internal_error").
			Msg("request failed")
		detail = ""
	}

	Write(w, r, status, "gateway/"+strings.ToLower(string(kind)), titles[kind], string(kind), detail, extra)
}
