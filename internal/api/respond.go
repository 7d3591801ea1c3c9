// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/ManuGH/dokkugw/internal/api/problem"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/broker"
	"github.com/ManuGH/dokkugw/internal/dokku"
	"github.com/ManuGH/dokkugw/internal/log"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a problem response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cmdErr *dokku.CommandError
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Caller went away; nobody reads the response.
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Debug().
			Str(log.FieldEvent, "api.client_gone").
			Msg("request canceled by client")
	case errors.Is(err, broker.ErrClosed):
		problem.Write(w, r, http.StatusServiceUnavailable, "system/shutting_down", "Shutting Down", "SHUTTING_DOWN", "gateway is shutting down", nil)
	case errors.Is(err, dokku.ErrAppNotFound):
		problem.Write(w, r, http.StatusNotFound, "dokku/app_not_found", "App Not Found", "APP_NOT_FOUND", err.Error(), nil)
	case errors.As(err, &cmdErr):
		problem.Write(w, r, http.StatusBadGateway, "dokku/command_failed", "Remote Command Failed", "REMOTE_COMMAND_FAILED",
			cmdErr.Error(), map[string]any{"exitCode": cmdErr.ExitCode, "operation": cmdErr.Operation})
	default:
		problem.FromError(w, r, err)
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	problem.Write(w, r, http.StatusBadRequest, "system/bad_request", "Bad Request", "BAD_REQUEST", detail, nil)
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == host
}
