// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRecentLines = 100
	maxRecentLines     = 10000
)

type argView struct {
	Name      string `json:"name"`
	Validator string `json:"validator"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

type operationView struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Args        []argView `json:"args"`
	Mutating    bool      `json:"mutating"`
	Streaming   bool      `json:"streaming"`
	Stream      string    `json:"stream,omitempty"`
	TimeoutMs   int64     `json:"timeoutMs,omitempty"`
}

func viewOf(spec *allowlist.OperationSpec) operationView {
	v := operationView{
		ID:          spec.ID,
		Description: spec.Description,
		Args:        make([]argView, 0, len(spec.Args)),
		Mutating:    spec.Mutating,
		Streaming:   spec.Streaming,
		Stream:      string(spec.Kind),
		TimeoutMs:   spec.Timeout.Milliseconds(),
	}
	for _, a := range spec.Args {
		v.Args = append(v.Args, argView{Name: a.Name, Validator: a.Validator.Name, Sensitive: a.Sensitive})
	}
	return v
}

// runRequest is the body of POST /api/v1/ops/{op}.
type runRequest struct {
	Args map[string]string `json:"args"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, identity(r))
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	specs := s.gw.Operations()
	out := make([]operationView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, viewOf(spec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRunOperation runs one unary operation. A remote non-zero exit is
// still 200; the exit code is part of the result.
func (s *Server) handleRunOperation(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")

	var req runRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.gw.Run(r.Context(), op, req.Args, identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.queries.ListApps(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleAppInfo(w http.ResponseWriter, r *http.Request) {
	app, err := s.queries.AppInfo(r.Context(), chi.URLParam(r, "app"), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleAppConfig(w http.ResponseWriter, r *http.Request) {
	vars, err := s.queries.ConfigList(r.Context(), chi.URLParam(r, "app"), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultRecentLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxRecentLines {
			badRequest(w, r, "lines must be an integer between 1 and 10000")
			return
		}
		n = v
	}
	logs, err := s.queries.RecentLogs(r.Context(), chi.URLParam(r, "app"), n, identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.queries.Certificates(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	type certView struct {
		App              string `json:"app"`
		Expiry           string `json:"expiry"`
		DaysUntilExpiry  int    `json:"daysUntilExpiry"`
		DaysUntilRenewal int    `json:"daysUntilRenewal"`
		Severity         string `json:"severity"`
	}
	out := make([]certView, 0, len(certs))
	for _, c := range certs {
		out = append(out, certView{c.App, c.Expiry, c.DaysUntilExpiry, c.DaysUntilRenewal, c.Severity()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := s.queries.Services(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.queries.Version(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": v})
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.queries.Plugins(r.Context(), identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plugins)
}

// handleStreams lists the live log streams this gateway is fanning out.
func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Streams())
}
