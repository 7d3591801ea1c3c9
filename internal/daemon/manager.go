// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager manages the daemon lifecycle: starting servers, handling shutdown.
type Manager interface {
	// Start binds all listeners and blocks until ctx ends or a server fails
	Start(ctx context.Context) error

	// Shutdown stops the servers, then runs the hooks
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a function to be called during shutdown
	RegisterShutdownHook(name string, hook ShutdownHook)
}

// listener is one HTTP server bound by the manager.
type listener struct {
	name   string
	srv    *http.Server
	ln     net.Listener
	addr   net.Addr
	served bool
}

type manager struct {
	serverCfg ServerConfig
	deps      Deps
	logger    zerolog.Logger

	mu        sync.Mutex
	listeners []*listener
	hooks     []namedHook
	started   bool
	stopping  bool

	// closed once every listener is bound
	listening chan struct{}
	apiAddr   net.Addr
	// nil when metrics are disabled
	metricsAddr net.Addr
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a new daemon manager with the given configuration and dependencies.
func NewManager(serverCfg ServerConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}

	return &manager{
		serverCfg: serverCfg.withDefaults(),
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "manager").Logger(),
		listening: make(chan struct{}),
	}, nil
}

func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.serverCfg.ListenAddr).
		Str("metrics", m.serverCfg.MetricsAddr).
		Dur("shutdown_timeout", m.serverCfg.ShutdownTimeout).
		Msg("Starting daemon manager")

	errChan := make(chan error, 2)

	if m.deps.MetricsHandler != nil && m.serverCfg.MetricsAddr != "" {
		l, err := m.bind("metrics", m.serverCfg.MetricsAddr, &http.Server{
			Handler:           m.deps.MetricsHandler,
			ReadHeaderTimeout: m.serverCfg.ReadTimeout / 2,
		})
		if err != nil {
			return m.abort(ctx, fmt.Errorf("failed to start metrics server: %w", err))
		}
		m.metricsAddr = l.addr
	}

	// WriteTimeout stays zero by default: SSE and WebSocket responses are long-lived.
	l, err := m.bind("api", m.serverCfg.ListenAddr, &http.Server{
		Handler:           m.deps.APIHandler,
		ReadTimeout:       m.serverCfg.ReadTimeout,
		ReadHeaderTimeout: m.serverCfg.ReadTimeout / 2,
		WriteTimeout:      m.serverCfg.WriteTimeout,
		IdleTimeout:       m.serverCfg.IdleTimeout,
		MaxHeaderBytes:    m.serverCfg.MaxHeaderBytes,
	})
	if err != nil {
		return m.abort(ctx, fmt.Errorf("failed to start API server: %w", err))
	}
	m.apiAddr = l.addr

	m.mu.Lock()
	for _, l := range m.listeners {
		l.served = true
		go m.serve(l, errChan)
	}
	m.mu.Unlock()
	close(m.listening)

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("Server error, initiating shutdown")
		return m.abort(ctx, err)
	case <-ctx.Done():
		m.logger.Info().Msg("Shutdown signal received")
		shutdownCtx, cancel := detached(ctx)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

// detached outlives the cancelled parent but stays bounded.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

// abort shuts down whatever was started and reports err.
func (m *manager) abort(ctx context.Context, err error) error {
	shutdownCtx, cancel := detached(ctx)
	defer cancel()
	if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
		return fmt.Errorf("server error and shutdown failure: %w", errors.Join(err, shutdownErr))
	}
	return err
}

// bind listens synchronously so address conflicts surface from Start.
func (m *manager) bind(name, addr string, srv *http.Server) (*listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &listener{name: name, srv: srv, ln: ln, addr: ln.Addr()}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
	return l, nil
}

func (m *manager) serve(l *listener, errChan chan<- error) {
	m.logger.Info().
		Str("server", l.name).
		Str("addr", l.addr.String()).
		Msg("server listening (HTTP)")

	if err := l.srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error().
			Err(err).
			Str("event", l.name+".server.failed").
			Msg("server failed")
		errChan <- fmt.Errorf("%s server: %w", l.name, err)
	}
}

func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("shutdown context is nil")
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	listeners := append([]*listener(nil), m.listeners...)
	served := make([]bool, len(listeners))
	for i, l := range listeners {
		served[i] = l.served
	}
	hooks := append([]namedHook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("Shutting down daemon manager")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
	defer cancel()

	errs := m.stopListeners(shutdownCtx, listeners, served)
	errs = append(errs, m.runHooks(shutdownCtx, hooks)...)

	if len(errs) > 0 {
		m.logger.Error().
			Int("error_count", len(errs)).
			Msg("Shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	m.logger.Info().Msg("Daemon manager stopped cleanly")
	return nil
}

// stopListeners drains the servers, API first. Hijacked WebSocket
// connections are not tracked by http.Server; the broker hook ends them.
func (m *manager) stopListeners(ctx context.Context, listeners []*listener, served []bool) []error {
	var errs []error
	for i := len(listeners) - 1; i >= 0; i-- {
		l := listeners[i]
		if !served[i] {
			_ = l.ln.Close()
			continue
		}
		m.logger.Debug().Str("server", l.name).Msg("Shutting down server")
		if err := l.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s server shutdown: %w", l.name, err))
		}
	}
	return errs
}

func (m *manager) runHooks(ctx context.Context, hooks []namedHook) []error {
	var errs []error
	m.logger.Debug().Int("hooks", len(hooks)).Msg("Executing shutdown hooks")
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		err := h.hook(ctx)
		ev := m.logger.Debug()
		if err != nil {
			ev = m.logger.Error().Err(err)
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
		}
		ev.Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("Shutdown hook finished")
	}
	return errs
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
// Hooks are executed in reverse registration order (LIFO).
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("Registered shutdown hook")
}
