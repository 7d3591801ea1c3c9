// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gateway

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/audit"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/broker"
	"github.com/ManuGH/dokkugw/internal/dokku"
	"github.com/ManuGH/dokkugw/internal/executor"
	"github.com/ManuGH/dokkugw/internal/gwerr"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/remote"
	"github.com/ManuGH/dokkugw/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

var _ dokku.Runner = (*Gateway)(nil)

type sink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *sink) Record(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) all() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

type fixture struct {
	gw     *Gateway
	dialer *remotetest.Dialer
	pool   *pool.Pool
	broker *broker.Broker
	sink   *sink
}

func newFixture(t *testing.T, exec remotetest.ExecFunc, start remotetest.StartFunc) *fixture {
	t.Helper()
	reg, err := allowlist.Default()
	require.NoError(t, err)

	f := &fixture{sink: &sink{}}
	f.dialer = &remotetest.Dialer{ExecFn: exec, StartFn: start}
	f.pool = pool.New(f.dialer, pool.Config{Size: 2, AcquireTimeout: time.Second, DialRate: rate.Inf})
	f.broker = broker.New(reg, f.pool, broker.Config{})
	f.gw = New(reg, executor.New(f.pool, executor.Config{}), f.broker, audit.NewLogger(f.sink))
	return f
}

func (f *fixture) close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.broker.Close(ctx))
	_ = f.pool.Close()
}

var alice = auth.Identity{Username: "alice", Groups: []string{"admins"}}

func TestRunRestart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, func(_ context.Context, argv []string, stdout, _ io.Writer) (int, error) {
		_, _ = io.WriteString(stdout, "-----> Restarting app my-app\n")
		return 0, nil
	}, nil)
	defer f.close(t)

	ctx := xglog.ContextWithRequestID(context.Background(), "req-1")
	res, err := f.gw.Run(ctx, "restart", map[string]string{"app": "my-app"}, alice)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "Restarting app my-app")
	assert.Equal(t, [][]string{{"ps:restart", "my-app"}}, f.dialer.Conns()[0].Calls())

	events := f.sink.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, audit.EventOperationRun, ev.Type)
	assert.Equal(t, "alice", ev.Actor)
	assert.Equal(t, "restart", ev.Action)
	assert.Equal(t, "my-app", ev.Resource)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, res.InvocationID, ev.InvocationID)
	assert.NotEmpty(t, ev.InvocationID)
}

func TestRunNonZeroExitIsAResult(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, func(_ context.Context, _ []string, _, stderr io.Writer) (int, error) {
		_, _ = io.WriteString(stderr, " !     App ghost does not exist\n")
		return 1, nil
	}, nil)
	defer f.close(t)

	res, err := f.gw.Run(context.Background(), "restart", map[string]string{"app": "ghost"}, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "does not exist")
	assert.Equal(t, audit.ResultFailure, f.sink.all()[0].Result)
}

func TestRunRejectsBeforeTouchingThePool(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, nil, nil)
	defer f.close(t)

	cases := []struct {
		op   string
		args map[string]string
		kind gwerr.Kind
	}{
		{"rm-rf", map[string]string{"app": "my-app"}, gwerr.KindUnknownOperation},
		{"restart", map[string]string{}, gwerr.KindMissingArgument},
		{"restart", map[string]string{"app": "my-app; reboot"}, gwerr.KindInvalidArgument},
		{"restart", map[string]string{"app": "my-app", "force": "true"}, gwerr.KindInvalidArgument},
	}
	for _, tc := range cases {
		_, err := f.gw.Run(context.Background(), tc.op, tc.args, alice)
		assert.Equal(t, tc.kind, gwerr.KindOf(err), "%s %v", tc.op, tc.args)
	}
	assert.Equal(t, 0, f.dialer.Dials())

	events := f.sink.all()
	require.Len(t, events, len(cases))
	for _, ev := range events {
		assert.Equal(t, audit.EventOperationRejected, ev.Type)
		assert.Equal(t, audit.ResultDenied, ev.Result)
	}
}

func TestRunRedactsSecretsInAudit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, nil, nil)
	defer f.close(t)

	_, err := f.gw.Run(context.Background(), "config-set",
		map[string]string{"app": "my-app", "key": "DATABASE_URL", "value": "postgres://u:hunter2@db/app"}, alice)
	require.NoError(t, err)

	ev := f.sink.all()[0]
	assert.NotContains(t, ev.Details["argv"], "hunter2")
	assert.Contains(t, ev.Details["argv"], "DATABASE_URL=***")

	sent := f.dialer.Conns()[0].Calls()[0]
	assert.NotContains(t, sent[len(sent)-1], "hunter2", "values travel base64-encoded")
}

func TestSubscribeAudits(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, nil, func(context.Context, []string) (remote.Process, error) {
		return remotetest.NewProcess(), nil
	})
	defer f.close(t)

	sub, err := f.gw.Subscribe(context.Background(), "my-app", allowlist.StreamLogs, alice)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = f.gw.Subscribe(context.Background(), "bad app", allowlist.StreamLogs, alice)
	require.Error(t, err)

	events := f.sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventStreamSubscribe, events[0].Type)
	assert.Equal(t, "my-app/logs", events[0].Resource)
	assert.Equal(t, sub.ID, events[0].Details["subscription_id"])
	assert.Equal(t, audit.EventStreamRejected, events[1].Type)
}

func TestOperationsListsRegistry(t *testing.T) {
	f := newFixture(t, nil, nil)
	defer f.close(t)

	ids := make([]string, 0)
	for _, op := range f.gw.Operations() {
		ids = append(ids, op.ID)
	}
	assert.Contains(t, ids, "restart")
	assert.Contains(t, ids, "logs-tail")
	assert.IsNonDecreasing(t, ids)
}
