// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/gwerr"
	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/remote"
	"github.com/ManuGH/dokkugw/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

var alice = auth.Identity{Username: "alice"}

func newPool(t *testing.T, d remote.Dialer, size int) *pool.Pool {
	t.Helper()
	p := pool.New(d, pool.Config{
		Size:           size,
		AcquireTimeout: time.Second,
		BackoffBase:    time.Millisecond,
		BackoffMax:     time.Millisecond,
		DialRate:       rate.Inf,
	})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func render(t *testing.T, op string, args map[string]string) *allowlist.Invocation {
	t.Helper()
	reg, err := allowlist.Default()
	require.NoError(t, err)
	inv, err := reg.Render(op, args, alice)
	require.NoError(t, err)
	return inv
}

func TestRestartHealthyHost(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &remotetest.Dialer{ExecFn: func(_ context.Context, argv []string, stdout, _ io.Writer) (int, error) {
		_, _ = fmt.Fprintf(stdout, "-----> Restarting %s\n", argv[1])
		return 0, nil
	}}
	ex := New(newPool(t, d, 2), Config{Timeout: time.Second, FailFast: true})

	res, err := ex.Execute(context.Background(), render(t, "restart", map[string]string{"app": "myapp"}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "-----> Restarting myapp\n", res.Stdout)
	assert.Equal(t, [][]string{{"ps:restart", "myapp"}}, d.Conns()[0].Calls())
}

func TestInvalidArgumentNeverReachesRemote(t *testing.T) {
	d := &remotetest.Dialer{}
	_ = New(newPool(t, d, 1), Config{})

	reg, err := allowlist.Default()
	require.NoError(t, err)
	_, err = reg.Render("restart", map[string]string{"app": "my app"}, alice)
	require.ErrorIs(t, err, gwerr.ErrInvalidArgument)
	assert.Equal(t, 0, d.Dials())
}

func TestNonZeroExitIsResultNotRetried(t *testing.T) {
	var calls atomic.Int32
	d := &remotetest.Dialer{ExecFn: func(_ context.Context, _ []string, _, stderr io.Writer) (int, error) {
		calls.Add(1)
		_, _ = io.WriteString(stderr, " !     App myapp does not exist\n")
		return 1, nil
	}}
	ex := New(newPool(t, d, 1), Config{})

	res, err := ex.Execute(context.Background(), render(t, "stop", map[string]string{"app": "myapp"}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.False(t, res.Succeeded())
	assert.Contains(t, res.Stderr, "does not exist")
	assert.EqualValues(t, 1, calls.Load())
}

func TestTransportFailureRetriesOnceOnFreshSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	d := &remotetest.Dialer{ExecFn: func(_ context.Context, _ []string, stdout, _ io.Writer) (int, error) {
		if calls.Add(1) == 1 {
			return -1, fmt.Errorf("%w: connection reset", remote.ErrTransport)
		}
		_, _ = io.WriteString(stdout, "ok")
		return 0, nil
	}}
	p := newPool(t, d, 1)
	ex := New(p, Config{})

	res, err := ex.Execute(context.Background(), render(t, "status", map[string]string{"app": "myapp"}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "ok", res.Stdout)

	conns := d.Conns()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Closed(), "broken session must be invalidated")
	assert.False(t, conns[1].Closed())
	assert.Equal(t, pool.Stats{Size: 1, Idle: 1}, p.Stats())
}

func TestRepeatedTransportFailureIsExecutionFailed(t *testing.T) {
	var calls atomic.Int32
	d := &remotetest.Dialer{ExecFn: func(context.Context, []string, io.Writer, io.Writer) (int, error) {
		calls.Add(1)
		return -1, remote.ErrTransport
	}}
	p := newPool(t, d, 1)
	ex := New(p, Config{})

	_, err := ex.Execute(context.Background(), render(t, "status", map[string]string{"app": "myapp"}))
	require.ErrorIs(t, err, gwerr.ErrExecutionFailed)
	require.ErrorIs(t, err, remote.ErrTransport)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, pool.Stats{Size: 1}, p.Stats())
}

func TestTimeoutIsTransportFailure(t *testing.T) {
	reg, err := allowlist.Parse([]byte(`version: 1
operations:
  - id: slow
    template: ["ps:report", "{app}"]
    args:
      app: {validator: app_name}
    timeoutMs: 20
`))
	require.NoError(t, err)
	inv, err := reg.Render("slow", map[string]string{"app": "myapp"}, alice)
	require.NoError(t, err)

	var calls atomic.Int32
	d := &remotetest.Dialer{ExecFn: func(ctx context.Context, _ []string, _, _ io.Writer) (int, error) {
		calls.Add(1)
		<-ctx.Done()
		return -1, fmt.Errorf("%w: %v", remote.ErrTransport, ctx.Err())
	}}
	ex := New(newPool(t, d, 1), Config{Timeout: time.Hour})

	start := time.Now()
	_, err = ex.Execute(context.Background(), inv)
	require.ErrorIs(t, err, gwerr.ErrExecutionFailed)
	assert.EqualValues(t, 2, calls.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCallerCancellationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	d := &remotetest.Dialer{ExecFn: func(ectx context.Context, _ []string, _, _ io.Writer) (int, error) {
		calls.Add(1)
		cancel()
		<-ectx.Done()
		return -1, remote.ErrTransport
	}}
	ex := New(newPool(t, d, 1), Config{})

	_, err := ex.Execute(ctx, render(t, "status", map[string]string{"app": "myapp"}))
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, gwerr.ErrExecutionFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCallerCancellationBeforeLeaseReturnsContextError(t *testing.T) {
	d := &remotetest.Dialer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(newPool(t, d, 1), Config{}).Execute(ctx, render(t, "status", map[string]string{"app": "myapp"}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.Dials())
}

func TestOutputIsCappedWithMarker(t *testing.T) {
	d := &remotetest.Dialer{ExecFn: func(_ context.Context, _ []string, stdout, stderr io.Writer) (int, error) {
		_, _ = io.WriteString(stdout, strings.Repeat("a", 8))
		_, _ = io.WriteString(stdout, strings.Repeat("b", 17))
		_, _ = io.WriteString(stderr, "short")
		return 0, nil
	}}
	ex := New(newPool(t, d, 1), Config{OutputCap: 10})

	res, err := ex.Execute(context.Background(), render(t, "apps", nil))
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaabb\n[output truncated: 15 bytes omitted]", res.Stdout)
	assert.True(t, res.StdoutTruncated)
	assert.Equal(t, "short", res.Stderr)
	assert.False(t, res.StderrTruncated)
}

func TestStreamingOperationRejected(t *testing.T) {
	d := &remotetest.Dialer{}
	ex := New(newPool(t, d, 1), Config{})

	_, err := ex.Execute(context.Background(), render(t, "logs-tail", map[string]string{"app": "myapp", "lines": "0"}))
	require.ErrorIs(t, err, gwerr.ErrInvalidArgument)
	assert.Equal(t, 0, d.Dials())
}

func TestInvocationRunsOnce(t *testing.T) {
	ex := New(newPool(t, &remotetest.Dialer{}, 1), Config{})
	inv := render(t, "version", nil)

	_, err := ex.Execute(context.Background(), inv)
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), inv)
	require.ErrorIs(t, err, allowlist.ErrConsumed)
	require.ErrorIs(t, err, gwerr.ErrInvalidArgument)
}

func TestFailFastWhenSaturated(t *testing.T) {
	p := newPool(t, &remotetest.Dialer{}, 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(held)

	ex := New(p, Config{FailFast: true})
	start := time.Now()
	_, err = ex.Execute(context.Background(), render(t, "apps", nil))
	require.ErrorIs(t, err, gwerr.ErrPoolExhausted)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAuthFailureSurfacesImmediately(t *testing.T) {
	d := &remotetest.Dialer{FailFn: func(int) error { return remote.ErrAuth }}
	ex := New(newPool(t, d, 1), Config{})

	_, err := ex.Execute(context.Background(), render(t, "apps", nil))
	require.ErrorIs(t, err, gwerr.ErrAuthFailed)
	assert.Equal(t, 1, d.Dials())
}
