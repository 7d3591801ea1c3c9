// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the gateway components together and owns their
// lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/api"
	"github.com/ManuGH/dokkugw/internal/api/middleware"
	"github.com/ManuGH/dokkugw/internal/audit"
	"github.com/ManuGH/dokkugw/internal/broker"
	"github.com/ManuGH/dokkugw/internal/config"
	"github.com/ManuGH/dokkugw/internal/dokku"
	"github.com/ManuGH/dokkugw/internal/executor"
	"github.com/ManuGH/dokkugw/internal/gateway"
	"github.com/ManuGH/dokkugw/internal/health"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/remote"
	"github.com/ManuGH/dokkugw/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName identifies the gateway in logs and traces.
const ServiceName = "dokkugw"

// queryConcurrency bounds the fan-out of typed Dokku queries.
const queryConcurrency = 4

// Bootstrap builds every component from cfg and returns the App that runs
// them. loader may be nil, which disables reloading.
func Bootstrap(ctx context.Context, cfg config.Config, loader *config.Loader) (app *App, err error) {
	logger := xglog.WithComponent("daemon")

	// Resources opened before a later step fails are released in reverse.
	var cleanups []ShutdownHook
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			err = errors.Join(err, cleanups[i](context.WithoutCancel(ctx)))
		}
	}()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	cleanups = append(cleanups, tp.Shutdown)

	var sink audit.Sink
	if cfg.Audit.DBPath != "" {
		store, err := audit.NewStore(ctx, cfg.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		cleanups = append(cleanups, func(context.Context) error { return store.Close() })

		problems, err := store.Verify(ctx)
		if err != nil {
			return nil, fmt.Errorf("verify audit store: %w", err)
		}
		if len(problems) > 0 {
			logger.Warn().
				Str(xglog.FieldEvent, "audit.integrity_problems").
				Str(xglog.FieldPath, cfg.Audit.DBPath).
				Strs("problems", problems).
				Msg("audit database integrity check reported problems")
		}
		sink = store
	}
	auditLog := audit.NewLogger(sink)

	dialer, err := remote.NewSSHDialer(remote.SSHConfig{
		Host:           cfg.Remote.Host,
		Port:           cfg.Remote.Port,
		User:           cfg.Remote.User,
		CredentialPath: cfg.Remote.CredentialPath,
		KnownHostsPath: cfg.Remote.KnownHostsPath,
		DialTimeout:    config.Ms(cfg.Remote.DialTimeoutMs),
		CommandPrefix:  cfg.Remote.CommandPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("init ssh dialer: %w", err)
	}

	reg, err := allowlist.Default()
	if err != nil {
		return nil, fmt.Errorf("load operation registry: %w", err)
	}

	p := pool.New(dialer, pool.Config{
		Size:             cfg.Pool.Size,
		AcquireTimeout:   config.Ms(cfg.Pool.AcquireTimeoutMs),
		IdleProbe:        cfg.Pool.IdleProbe,
		DialRetries:      cfg.Pool.DialRetries,
		BackoffBase:      config.Ms(cfg.Pool.BackoffBaseMs),
		BackoffMax:       config.Ms(cfg.Pool.BackoffMaxMs),
		BreakerThreshold: cfg.Pool.BreakerThreshold,
		BreakerReset:     config.Ms(cfg.Pool.BreakerResetMs),
	})
	cleanups = append(cleanups, func(context.Context) error { return p.Close() })

	exec := executor.New(p, executor.Config{
		Timeout:   config.Ms(cfg.Exec.TimeoutMs),
		OutputCap: cfg.Exec.OutputCapBytes,
		FailFast:  cfg.Pool.FailFast,
	})
	br := broker.New(reg, p, broker.Config{
		MaxLifetime:      config.Ms(cfg.Stream.MaxLifetimeMs),
		QueueDepth:       cfg.Stream.SubscriberQueueDepth,
		Heartbeat:        config.Ms(cfg.Stream.HeartbeatMs),
		DrainTimeout:     config.Ms(cfg.Stream.DrainTimeoutMs),
		ReconnectRetries: cfg.Stream.ReconnectRetries,
		BacklogLines:     cfg.Stream.BacklogLines,
		StableAfter:      config.Ms(cfg.Stream.StableAfterMs),
		BackoffBase:      config.Ms(cfg.Pool.BackoffBaseMs),
		BackoffMax:       config.Ms(cfg.Pool.BackoffMaxMs),
	})
	cleanups = append(cleanups, br.Close)

	gw := gateway.New(reg, exec, br, auditLog)
	queries := dokku.NewClient(gw, queryConcurrency)

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewPoolChecker(p))
	hm.RegisterChecker(health.Informational(health.NewFileChecker("remote_credential", cfg.Remote.CredentialPath)))

	limiter := middleware.NewRateLimiter(cfg.API.RateLimitRPM, auditLog)

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = ServiceName
	}
	srv := api.New(api.Config{
		IdentityHeaders:   cfg.API.IdentityHeaders,
		ProxySecretHeader: cfg.API.ProxySecretHeader,
		ProxySecret:       cfg.API.ProxySecret,
		TracingService:    tracingService,
	}, gw, queries, hm, limiter, auditLog)

	mgr, err := NewManager(ServerConfig{
		ListenAddr:      cfg.API.ListenAddr,
		MetricsAddr:     strings.TrimSpace(cfg.API.MetricsAddr),
		ShutdownTimeout: config.Ms(cfg.API.ShutdownTimeoutMs),
	}, Deps{
		Logger:         logger,
		APIHandler:     srv.Handler(),
		MetricsHandler: promhttp.Handler(),
	})
	if err != nil {
		return nil, fmt.Errorf("create daemon manager: %w", err)
	}

	// Registration order: hooks run last-registered first, so streams end
	// before the pool closes and the audit store outlives both.
	mgr.RegisterShutdownHook("telemetry", tp.Shutdown)
	if closer, ok := sink.(*audit.Store); ok {
		mgr.RegisterShutdownHook("audit_store", func(context.Context) error { return closer.Close() })
	}
	mgr.RegisterShutdownHook("pool", func(context.Context) error { return p.Close() })
	mgr.RegisterShutdownHook("broker", br.Close)

	var holder *config.ConfigHolder
	if loader != nil {
		holder = config.NewConfigHolder(cfg, loader, auditLog)
	}

	logger.Info().
		Str(xglog.FieldEvent, "daemon.bootstrap").
		Str(xglog.FieldRemoteHost, cfg.Remote.Host).
		Int("pool_size", cfg.Pool.Size).
		Int("operations", len(reg.Operations())).
		Bool("audit_store", sink != nil).
		Bool("telemetry", cfg.Telemetry.Enabled).
		Msg("gateway components ready")

	return NewApp(logger, mgr, holder, hotApplier(limiter)), nil
}

// hotApplier returns the callback that pushes reloadable settings into the
// running components.
func hotApplier(limiter *middleware.RateLimiter) ApplyFunc {
	logger := xglog.WithComponent("daemon")
	return func(cfg config.Config) {
		if err := xglog.SetLevel(cfg.Log.Level); err != nil {
			logger.Warn().Err(err).Str("level", cfg.Log.Level).Msg("ignoring invalid log level")
		}
		if limiter.RPM() != cfg.API.RateLimitRPM {
			limiter.SetRPM(cfg.API.RateLimitRPM)
			logger.Info().
				Str(xglog.FieldEvent, "ratelimit.updated").
				Int("rpm", cfg.API.RateLimitRPM).
				Msg("rate limit updated")
		}
	}
}
