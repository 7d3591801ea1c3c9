// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package broker

import (
	"context"
	"errors"
	"fmt"
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

type harness struct {
	t      *testing.T
	broker *Broker
	pool   *pool.Pool
	dialer *remotetest.Dialer
	procs  chan *remotetest.Process
}

// newHarness wires a broker to a fake host whose every Start yields a new
// process published on h.procs.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, procs: make(chan *remotetest.Process, 16)}
	h.dialer = &remotetest.Dialer{StartFn: func(context.Context, []string) (remote.Process, error) {
		p := remotetest.NewProcess()
		h.procs <- p
		return p, nil
	}}
	h.init(cfg)
	return h
}

func (h *harness) init(cfg Config) {
	reg, err := allowlist.Default()
	require.NoError(h.t, err)
	h.pool = pool.New(h.dialer, pool.Config{
		Size:           2,
		AcquireTimeout: time.Second,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		DialRate:       rate.Inf,
	})
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffMax = 5 * time.Millisecond
	}
	h.broker = New(reg, h.pool, cfg)
}

func (h *harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.broker.Close(ctx))
	_ = h.pool.Close()
}

func (h *harness) subscribe(app string) *Subscription {
	h.t.Helper()
	sub, err := h.broker.Subscribe(context.Background(), app, allowlist.StreamLogs, alice)
	require.NoError(h.t, err)
	return sub
}

func (h *harness) process() *remotetest.Process {
	h.t.Helper()
	select {
	case p := <-h.procs:
		return p
	case <-time.After(2 * time.Second):
		h.t.Fatal("upstream was not started")
		return nil
	}
}

func (h *harness) waitState(key StreamKey, want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.broker.State(key) == want },
		2*time.Second, time.Millisecond, "stream %s never reached %s", key, want)
}

func (h *harness) startCalls() [][]string {
	var calls [][]string
	for _, c := range h.dialer.Conns() {
		calls = append(calls, c.Calls()...)
	}
	return calls
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestNoUpstreamWithoutSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	assert.Equal(t, 0, h.dialer.Dials())
	assert.Empty(t, h.broker.Streams())
	assert.Equal(t, StateIdle, h.broker.State(StreamKey{App: "my-app", Kind: allowlist.StreamLogs}))
}

func TestStreamLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{DrainTimeout: 200 * time.Millisecond, BacklogLines: 50})
	defer h.close()
	key := StreamKey{App: "my-app", Kind: allowlist.StreamLogs}

	sub := h.subscribe("my-app")
	p := h.process()
	h.waitState(key, StateStreaming)

	require.NoError(t, p.Line("ERROR boom"))
	ev := next(t, sub)
	assert.Equal(t, EventLog, ev.Kind)
	assert.Equal(t, "ERROR boom", ev.Payload)
	assert.Equal(t, "error", ev.Level)
	assert.Equal(t, uint64(1), ev.Seq)

	streams := h.broker.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, StreamInfo{App: "my-app", Kind: "logs", State: StateStreaming, Subscribers: 1}, streams[0])

	start := time.Now()
	require.NoError(t, sub.Close())
	h.waitState(key, StateIdle)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, p.Terminated())
	require.Eventually(t, func() bool { return h.pool.Stats().Leased == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, [][]string{{"logs", "my-app", "-t", "-n", "50"}}, h.startCalls())
	requireClosed(t, sub)
}

func TestSubscribersShareOneUpstreamInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	a := h.subscribe("my-app")
	p := h.process()
	b := h.subscribe("my-app")

	for i := range 5 {
		require.NoError(t, p.Line(fmt.Sprintf("line-%d", i)))
	}
	for i := range 5 {
		ea, eb := next(t, a), next(t, b)
		assert.Equal(t, fmt.Sprintf("line-%d", i), ea.Payload)
		assert.Equal(t, ea, eb)
	}
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Len(t, h.startCalls(), 1)

	// One subscriber leaving does not disturb the other.
	require.NoError(t, a.Close())
	require.NoError(t, p.Line("after"))
	assert.Equal(t, "after", next(t, b).Payload)
	assert.False(t, p.Terminated())
	require.NoError(t, b.Close())
}

func TestSlowSubscriberDropsOldestWithGap(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{QueueDepth: 4})
	defer h.close()

	fast := h.subscribe("my-app")
	p := h.process()
	slow := h.subscribe("my-app")

	for i := 1; i <= 10; i++ {
		require.NoError(t, p.Line(fmt.Sprintf("line-%d", i)))
		ev := next(t, fast)
		assert.Equal(t, fmt.Sprintf("line-%d", i), ev.Payload)
	}

	gap := next(t, slow)
	assert.Equal(t, EventGap, gap.Kind)
	assert.Equal(t, "6", gap.Payload)
	assert.Zero(t, gap.Seq, "gap events never reuse a stream sequence number")
	assert.Equal(t, uint64(6), gap.Through)
	for i := 7; i <= 10; i++ {
		ev := next(t, slow)
		assert.Equal(t, EventLog, ev.Kind)
		assert.Equal(t, fmt.Sprintf("line-%d", i), ev.Payload)
	}
	assert.Equal(t, 0, slow.Pending())
}

func TestUpstreamLossReconnects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{ReconnectRetries: 3, BacklogLines: 20})
	defer h.close()
	key := StreamKey{App: "my-app", Kind: allowlist.StreamLogs}

	sub := h.subscribe("my-app")
	p1 := h.process()
	require.NoError(t, p1.Line("before"))
	assert.Equal(t, "before", next(t, sub).Payload)

	p1.Break(errors.New("channel reset"))

	ev := next(t, sub)
	assert.Equal(t, EventReconnecting, ev.Kind)
	assert.Contains(t, ev.Payload, "attempt 1/3")
	assert.Contains(t, ev.Payload, "channel reset")

	p2 := h.process()
	assert.Equal(t, EventResumed, next(t, sub).Kind)
	h.waitState(key, StateStreaming)

	require.NoError(t, p2.Line("after"))
	assert.Equal(t, "after", next(t, sub).Payload)

	calls := h.startCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "20", calls[0][4])
	assert.Equal(t, "0", calls[1][4], "a resumed stream must not replay backlog")
	assert.True(t, h.dialer.Conns()[0].Closed(), "broken session is invalidated")

	require.NoError(t, sub.Close())
	h.waitState(key, StateIdle)
}

func TestReconnectBudgetExhaustedFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	var starts atomic.Int32
	h := &harness{t: t, procs: make(chan *remotetest.Process, 16)}
	h.dialer = &remotetest.Dialer{StartFn: func(context.Context, []string) (remote.Process, error) {
		if starts.Add(1) > 1 {
			return nil, errors.New("exec request rejected")
		}
		p := remotetest.NewProcess()
		h.procs <- p
		return p, nil
	}}
	h.init(Config{ReconnectRetries: 2})
	defer h.close()
	key := StreamKey{App: "my-app", Kind: allowlist.StreamLogs}

	sub := h.subscribe("my-app")
	p := h.process()
	h.waitState(key, StateStreaming)
	p.Exit(1)

	ev := next(t, sub)
	assert.Equal(t, EventReconnecting, ev.Kind)
	assert.Contains(t, ev.Payload, "exit")
	ev = next(t, sub)
	assert.Equal(t, EventReconnecting, ev.Kind)
	assert.Contains(t, ev.Payload, "attempt 2/2")

	ev = next(t, sub)
	assert.Equal(t, EventFailed, ev.Kind)
	assert.True(t, ev.Kind.Terminal())
	assert.Contains(t, ev.Payload, "exec request rejected")
	requireClosed(t, sub)

	h.waitState(key, StateIdle)
	assert.EqualValues(t, 3, starts.Load())
}

// flappingHarness starts upstreams that print one error line and exit 1,
// the way `dokku logs` behaves for an app that does not exist.
func flappingHarness(t *testing.T, cfg Config, starts *atomic.Int32) *harness {
	t.Helper()
	h := &harness{t: t, procs: make(chan *remotetest.Process, 16)}
	h.dialer = &remotetest.Dialer{StartFn: func(context.Context, []string) (remote.Process, error) {
		starts.Add(1)
		p := remotetest.NewProcess()
		go func() {
			_ = p.Line("!     App my-app does not exist")
			p.Exit(1)
		}()
		return p, nil
	}}
	h.init(cfg)
	return h
}

func TestFlappingUpstreamExhaustsRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	var starts atomic.Int32
	h := flappingHarness(t, Config{ReconnectRetries: 2}, &starts)
	defer h.close()
	key := StreamKey{App: "my-app", Kind: allowlist.StreamLogs}

	sub := h.subscribe("my-app")
	counts := map[EventKind]int{}
	var last Event
	for !last.Kind.Terminal() {
		last = next(t, sub)
		counts[last.Kind]++
	}

	assert.Equal(t, EventFailed, last.Kind)
	assert.Contains(t, last.Payload, "reconnect attempts exhausted (2)")
	assert.Equal(t, 2, counts[EventReconnecting])
	assert.Equal(t, 2, counts[EventResumed])
	assert.Equal(t, 3, counts[EventLog])
	requireClosed(t, sub)

	h.waitState(key, StateIdle)
	assert.EqualValues(t, 3, starts.Load())
}

func TestStableUpstreamEarnsFreshRetryBudget(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{ReconnectRetries: 1, StableAfter: 20 * time.Millisecond})
	defer h.close()
	key := StreamKey{App: "my-app", Kind: allowlist.StreamLogs}

	sub := h.subscribe("my-app")
	for range 3 {
		p := h.process()
		h.waitState(key, StateStreaming)
		time.Sleep(40 * time.Millisecond)
		p.Exit(1)

		ev := next(t, sub)
		require.Equal(t, EventReconnecting, ev.Kind)
		assert.Contains(t, ev.Payload, "attempt 1/1")
		require.Equal(t, EventResumed, next(t, sub).Kind)
	}

	require.NoError(t, sub.Close())
	h.waitState(key, StateIdle)
}

func TestAuthFailureFailsWithoutRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{ReconnectRetries: 5})
	h.dialer.FailFn = func(int) error { return remote.ErrAuth }
	defer h.close()

	sub := h.subscribe("my-app")
	ev := next(t, sub)
	assert.Equal(t, EventFailed, ev.Kind)
	requireClosed(t, sub)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestMaxLifetimeEndsStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{MaxLifetime: 100 * time.Millisecond})
	defer h.close()

	sub := h.subscribe("my-app")
	p := h.process()

	ev := next(t, sub)
	assert.Equal(t, EventEnded, ev.Kind)
	assert.Equal(t, ReasonMaxLifetime, ev.Payload)
	requireClosed(t, sub)
	h.waitState(StreamKey{App: "my-app", Kind: allowlist.StreamLogs}, StateIdle)
	assert.True(t, p.Terminated())
}

func TestShutdownEndsAllStreams(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})

	a := h.subscribe("api")
	pa := h.process()
	b := h.subscribe("blog")
	pb := h.process()

	h.close()

	for _, sub := range []*Subscription{a, b} {
		ev := next(t, sub)
		assert.Equal(t, EventEnded, ev.Kind)
		assert.Equal(t, ReasonShutdown, ev.Payload)
		requireClosed(t, sub)
	}
	assert.True(t, pa.Terminated())
	assert.True(t, pb.Terminated())
	assert.Empty(t, h.broker.Streams())

	_, err := h.broker.Subscribe(context.Background(), "api", allowlist.StreamLogs, alice)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStubbornUpstreamIsCutAfterDrainTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{DrainTimeout: 100 * time.Millisecond})
	defer h.close()
	key := StreamKey{App: "my-app", Kind: allowlist.StreamLogs}

	sub := h.subscribe("my-app")
	p := h.process()
	p.ExitOnTerminate = false
	h.waitState(key, StateStreaming)

	start := time.Now()
	require.NoError(t, sub.Close())
	h.waitState(key, StateIdle)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, p.Terminated())
	require.Eventually(t, func() bool { return h.dialer.Conns()[0].Closed() }, time.Second, time.Millisecond)
}

func TestContextCancelUnsubscribes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()
	key := StreamKey{App: "my-app", Kind: allowlist.StreamLogs}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.broker.Subscribe(ctx, "my-app", allowlist.StreamLogs, alice)
	require.NoError(t, err)
	h.process()
	h.waitState(key, StateStreaming)

	cancel()
	h.waitState(key, StateIdle)
	requireClosed(t, sub)
}

func TestHeartbeatWhileStreaming(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{Heartbeat: 20 * time.Millisecond})
	defer h.close()

	sub := h.subscribe("my-app")
	h.process()
	ev := next(t, sub)
	assert.Equal(t, EventHeartbeat, ev.Kind)
	require.NoError(t, sub.Close())
}

func TestSubscribeRejectsBadInput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	_, err := h.broker.Subscribe(context.Background(), "my-app; rm -rf /", allowlist.StreamLogs, alice)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidArgument, gwerr.KindOf(err))
	assert.Equal(t, "app", gwerr.ArgumentKey(err))

	_, err = h.broker.Subscribe(context.Background(), "my-app", allowlist.StreamKind("metrics"), alice)
	assert.Equal(t, gwerr.KindInvalidArgument, gwerr.KindOf(err))

	assert.Empty(t, h.broker.Streams())
	assert.Equal(t, 0, h.dialer.Dials())
}
