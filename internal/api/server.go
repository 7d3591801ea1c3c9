// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api is the HTTP surface of the gateway. It authenticates callers
// via forward-auth headers and translates requests into gateway operations
// and log subscriptions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/api/middleware"
	"github.com/ManuGH/dokkugw/internal/audit"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/broker"
	"github.com/ManuGH/dokkugw/internal/dokku"
	"github.com/ManuGH/dokkugw/internal/executor"
	"github.com/ManuGH/dokkugw/internal/health"
	"github.com/gorilla/websocket"
)

// Gateway runs allowlisted operations and opens log subscriptions.
type Gateway interface {
	Run(ctx context.Context, op string, args map[string]string, identity auth.Identity) (*executor.Result, error)
	Subscribe(ctx context.Context, app string, kind allowlist.StreamKind, identity auth.Identity) (*broker.Subscription, error)
	Operations() []*allowlist.OperationSpec
	Streams() []broker.StreamInfo
}

// Queries are the typed read-only Dokku views.
type Queries interface {
	ListApps(ctx context.Context, id auth.Identity) ([]dokku.App, error)
	AppInfo(ctx context.Context, app string, id auth.Identity) (*dokku.App, error)
	ConfigList(ctx context.Context, app string, id auth.Identity) ([]dokku.EnvVar, error)
	RecentLogs(ctx context.Context, app string, n int, id auth.Identity) ([]dokku.LogLine, error)
	Certificates(ctx context.Context, id auth.Identity) ([]dokku.Certificate, error)
	Services(ctx context.Context, id auth.Identity) (map[string][]string, error)
	Version(ctx context.Context, id auth.Identity) (string, error)
	Plugins(ctx context.Context, id auth.Identity) ([]dokku.Plugin, error)
}

// Config configures the route layer.
type Config struct {
	IdentityHeaders   string
	ProxySecretHeader string
	ProxySecret       string
	AllowedOrigins    []string
	TracingService    string // empty disables request spans
	WSWriteTimeout    time.Duration
	MaxBodyBytes      int64
}

// Server owns the HTTP handlers.
type Server struct {
	cfg      Config
	gw       Gateway
	queries  Queries
	health   *health.Manager
	limiter  *middleware.RateLimiter
	audit    *audit.Logger
	upgrader websocket.Upgrader
}

// New creates the route layer. limiter and auditLog may be nil.
func New(cfg Config, gw Gateway, q Queries, hm *health.Manager, limiter *middleware.RateLimiter, auditLog *audit.Logger) *Server {
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if limiter == nil {
		limiter = middleware.NewRateLimiter(0, auditLog)
	}
	s := &Server{
		cfg:     cfg,
		gw:      gw,
		queries: q,
		health:  hm,
		limiter: limiter,
		audit:   auditLog,
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origins[origin] || sameHost(origin, r.Host)
		},
	}
	return s
}

// Handler returns the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
