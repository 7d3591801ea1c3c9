// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ManuGH/dokkugw/internal/gwerr"
	"github.com/ManuGH/dokkugw/internal/remote"
	"github.com/ManuGH/dokkugw/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func testConfig(size int) Config {
	return Config{
		Size:           size,
		AcquireTimeout: time.Second,
		IdleProbe:      true,
		DialRetries:    2,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		DialRate:       rate.Inf,
	}
}

func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Waiters == n }, time.Second, time.Millisecond)
}

func TestAcquireIsLazyAndReusesSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &remotetest.Dialer{}
	p := New(d, testConfig(2))
	defer func() { _ = p.Close() }()
	assert.Equal(t, 0, d.Dials())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, d.Dials())
	p.Release(s)

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, s2)
	assert.Equal(t, 1, d.Dials())
	p.Release(s2)

	assert.Equal(t, Stats{Size: 2, Idle: 1}, p.Stats())
}

func TestWaitersAreServedFIFO(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(&remotetest.Dialer{}, testConfig(2))
	defer func() { _ = p.Close() }()

	held := make([]*Session, 2)
	for i := range held {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held[i] = s
	}

	order := make(chan int, 3)
	got := make(chan *Session, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			s, err := p.Acquire(context.Background())
			if err != nil {
				order <- -1
				return
			}
			order <- i
			got <- s
		}(i)
		waitForWaiters(t, p, i+1)
	}

	p.Release(held[0])
	assert.Equal(t, 0, <-order)
	p.Release(held[1])
	assert.Equal(t, 1, <-order)
	p.Release(<-got)
	assert.Equal(t, 2, <-order)
	p.Release(<-got)
	p.Release(<-got)

	assert.Equal(t, 0, p.Stats().Leased)
}

func TestAcquireTimeoutYieldsPoolExhausted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(1)
	cfg.AcquireTimeout = 30 * time.Millisecond
	p := New(&remotetest.Dialer{}, cfg)
	defer func() { _ = p.Close() }()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, gwerr.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Waiters)

	p.Release(s)
}

func TestTryAcquireFailsFast(t *testing.T) {
	p := New(&remotetest.Dialer{}, testConfig(1))
	defer func() { _ = p.Close() }()

	s, err := p.TryAcquire(context.Background())
	require.NoError(t, err)

	_, err = p.TryAcquire(context.Background())
	require.ErrorIs(t, err, gwerr.ErrPoolExhausted)

	p.Release(s)
	s, err = p.TryAcquire(context.Background())
	require.NoError(t, err)
	p.Release(s)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	d := &remotetest.Dialer{FailFn: func(int) error {
		return fmt.Errorf("%w: key rejected", remote.ErrAuth)
	}}
	p := New(d, testConfig(1))
	defer func() { _ = p.Close() }()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, gwerr.ErrAuthFailed)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, Stats{Size: 1}, p.Stats())
}

func TestDialRetriesThenConnectFailed(t *testing.T) {
	d := &remotetest.Dialer{FailFn: func(int) error {
		return fmt.Errorf("%w: connection refused", remote.ErrDial)
	}}
	p := New(d, testConfig(1))
	defer func() { _ = p.Close() }()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, gwerr.ErrConnectFailed)
	assert.Equal(t, 3, d.Dials())
	assert.Equal(t, Stats{Size: 1}, p.Stats(), "failed dial must free its slot")
}

func TestDialRecoversWithinRetryBudget(t *testing.T) {
	d := &remotetest.Dialer{FailFn: func(n int) error {
		if n < 3 {
			return remote.ErrDial
		}
		return nil
	}}
	p := New(d, testConfig(1))
	defer func() { _ = p.Close() }()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, d.Dials())
	p.Release(s)
}

func TestIdleSessionFailingProbeIsDiscarded(t *testing.T) {
	d := &remotetest.Dialer{}
	p := New(d, testConfig(1))
	defer func() { _ = p.Close() }()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s)

	first := d.Conns()[0]
	first.FailProbe(errors.New("broken pipe"))

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	assert.True(t, first.Closed())
	assert.Equal(t, 2, d.Dials())
	p.Release(s2)
}

func TestInvalidateHandsSlotToWaiter(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &remotetest.Dialer{}
	p := New(d, testConfig(1))
	defer func() { _ = p.Close() }()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan *Session, 1)
	go func() {
		s2, err := p.Acquire(context.Background())
		if err != nil {
			done <- nil
			return
		}
		done <- s2
	}()
	waitForWaiters(t, p, 1)

	p.Invalidate(s)
	s2 := <-done
	require.NotNil(t, s2)
	assert.NotSame(t, s, s2)
	assert.True(t, d.Conns()[0].Closed())
	assert.Equal(t, 2, d.Dials())

	// Release after invalidate is a no-op.
	p.Release(s)
	p.Release(s2)
	assert.Equal(t, Stats{Size: 1, Idle: 1}, p.Stats())
}

func TestMarkBrokenDiscardsOnRelease(t *testing.T) {
	d := &remotetest.Dialer{}
	p := New(d, testConfig(1))
	defer func() { _ = p.Close() }()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s.MarkBroken()
	p.Release(s)
	assert.Equal(t, Stats{Size: 1}, p.Stats())
	assert.True(t, d.Conns()[0].Closed())
}

func TestCanceledWaiterLeavesQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(&remotetest.Dialer{}, testConfig(1))
	defer func() { _ = p.Close() }()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	waitForWaiters(t, p, 1)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, p.Stats().Waiters)

	p.Release(s)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestCloseWakesWaitersAndClosesIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &remotetest.Dialer{}
	p := New(d, testConfig(1))

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	waitForWaiters(t, p, 1)

	require.NoError(t, p.Close())
	require.ErrorIs(t, <-errCh, ErrClosed)

	p.Release(s)
	assert.True(t, d.Conns()[0].Closed())
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
