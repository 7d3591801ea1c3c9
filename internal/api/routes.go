// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/ManuGH/dokkugw/internal/api/middleware"
	"github.com/ManuGH/dokkugw/internal/api/problem"
	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
		EnableSecurityHeaders: true,
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		problem.Write(w, req, http.StatusNotFound, "system/not_found", "Not Found", "NOT_FOUND", "", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		problem.Write(w, req, http.StatusMethodNotAllowed, "system/method_not_allowed", "Method Not Allowed", "METHOD_NOT_ALLOWED", "", nil)
	})

	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ForwardAuth(middleware.ForwardAuthConfig{
			HeaderPrefix: s.cfg.IdentityHeaders,
			SecretHeader: s.cfg.ProxySecretHeader,
			Secret:       s.cfg.ProxySecret,
			Audit:        s.audit,
		}))
		r.Use(s.limiter.Handler)
		r.Use(middleware.CSRFProtection(s.cfg.AllowedOrigins))

		r.Get("/me", s.handleMe)
		r.Get("/operations", s.handleOperations)
		r.Post("/ops/{op}", s.handleRunOperation)

		r.Get("/apps", s.handleListApps)
		r.Route("/apps/{app}", func(r chi.Router) {
			r.Get("/", s.handleAppInfo)
			r.Get("/config", s.handleAppConfig)
			r.Get("/logs/recent", s.handleRecentLogs)
			r.Get("/logs/stream", s.handleLogStream)
			r.Get("/logs/ws", s.handleLogSocket)
		})

		r.Get("/certificates", s.handleCertificates)
		r.Get("/services", s.handleServices)
		r.Get("/version", s.handleVersion)
		r.Get("/plugins", s.handlePlugins)
		r.Get("/streams", s.handleStreams)
	})

	return r
}
