// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package gateway is the single entry point for running allowlisted Dokku
// operations and subscribing to their streams. It validates, correlates and
// audits; it makes no authorization decision.
package gateway

import (
	"context"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/audit"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/broker"
	"github.com/ManuGH/dokkugw/internal/executor"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/rs/zerolog"
)

// Executor runs a rendered invocation to completion.
type Executor interface {
	Execute(ctx context.Context, inv *allowlist.Invocation) (*executor.Result, error)
}

// StreamBroker hands out stream subscriptions.
type StreamBroker interface {
	Subscribe(ctx context.Context, app string, kind allowlist.StreamKind, identity auth.Identity) (*broker.Subscription, error)
	Streams() []broker.StreamInfo
}

// Gateway wires the registry, executor and broker together.
type Gateway struct {
	reg    *allowlist.Registry
	exec   Executor
	broker StreamBroker
	audit  *audit.Logger
	logger zerolog.Logger
}

// New creates a Gateway. auditLog may be nil.
func New(reg *allowlist.Registry, exec Executor, br StreamBroker, auditLog *audit.Logger) *Gateway {
	return &Gateway{
		reg:    reg,
		exec:   exec,
		broker: br,
		audit:  auditLog,
		logger: xglog.WithComponent("gateway"),
	}
}

// Run validates args against operation op and executes it. A remote
// command that exits non-zero is returned as a Result, not an error.
func (g *Gateway) Run(ctx context.Context, op string, args map[string]string, identity auth.Identity) (*executor.Result, error) {
	inv, err := g.reg.Render(op, args, identity)
	if err != nil {
		logger := xglog.WithContext(ctx, g.logger)
		logger.Info().
			Err(err).
			Str(xglog.FieldEvent, "gateway.rejected").
			Str(xglog.FieldOperation, op).
			Str(xglog.FieldActor, identity.Actor()).
			Msg("operation rejected")
		g.audit.OperationRejected(ctx, identity.Actor(), op, err.Error())
		return nil, err
	}
	inv.RequestID = xglog.RequestIDFromContext(ctx)
	ctx = xglog.ContextWithInvocationID(ctx, inv.ID)

	res, err := g.exec.Execute(ctx, inv)
	exitCode := 0
	if res != nil {
		exitCode = res.ExitCode
	}
	g.audit.OperationRun(ctx, identity.Actor(), op, inv.Values["app"], inv.RedactedArgv(), exitCode, err)
	return res, err
}

// Subscribe joins the (app, kind) stream. Cancelling ctx unsubscribes.
func (g *Gateway) Subscribe(ctx context.Context, app string, kind allowlist.StreamKind, identity auth.Identity) (*broker.Subscription, error) {
	key := broker.StreamKey{App: app, Kind: kind}.String()
	sub, err := g.broker.Subscribe(ctx, app, kind, identity)
	if err != nil {
		g.audit.StreamSubscribe(ctx, identity.Actor(), key, "", err)
		return nil, err
	}
	g.audit.StreamSubscribe(ctx, identity.Actor(), key, sub.ID, nil)
	return sub, nil
}

// Operations lists the registry, sorted by ID.
func (g *Gateway) Operations() []*allowlist.OperationSpec {
	return g.reg.Operations()
}

// Streams reports the active log streams.
func (g *Gateway) Streams() []broker.StreamInfo {
	return g.broker.Streams()
}
