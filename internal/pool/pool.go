// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pool leases authenticated remote sessions to one task at a time.
//
// The pool holds at most Size sessions. A slot is counted from the moment a
// caller is granted permission to dial until the session is invalidated, so
// the ceiling holds even while dials are in flight. Waiters are served in
// arrival order; a released session is handed straight to the oldest waiter.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/dokkugw/internal/gwerr"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/ManuGH/dokkugw/internal/metrics"
	"github.com/ManuGH/dokkugw/internal/remote"
	"github.com/ManuGH/dokkugw/internal/resilience"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool: closed")

const opAcquire = "pool.acquire"

// Config controls pool sizing, dialing and probing.
type Config struct {
	Size           int
	AcquireTimeout time.Duration
	IdleProbe      bool
	ProbeTimeout   time.Duration

	DialRetries int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	BreakerThreshold int
	BreakerReset     time.Duration

	// DialRate caps new connection attempts per second across the pool.
	DialRate rate.Limit
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.DialRetries < 0 {
		c.DialRetries = 0
	}
	if c.DialRate <= 0 {
		c.DialRate = rate.Limit(5)
	}
	return c
}

// Session is a leased connection. It must be returned with Release or
// Invalidate exactly once.
type Session struct {
	id       uint64
	conn     remote.Conn
	created  time.Time
	lastUsed time.Time
	broken   atomic.Bool
}

// ID is a process-unique session number for logs.
func (s *Session) ID() uint64 { return s.id }

// Conn exposes the underlying connection to the lessee.
func (s *Session) Conn() remote.Conn { return s.conn }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size    int `json:"size"`
	Idle    int `json:"idle"`
	Leased  int `json:"leased"`
	Dialing int `json:"dialing"`
	Waiters int `json:"waiters"`
}

type waiter struct {
	ch      chan *Session // nil value grants a slot to dial
	elem    *list.Element
	granted bool
}

// Pool is a fixed-size session pool.
type Pool struct {
	cfg     Config
	dialer  remote.Dialer
	backoff resilience.Backoff
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
	nextID  atomic.Uint64

	mu      sync.Mutex
	idle    []*Session
	leased  map[*Session]struct{}
	slots   int // idle + leased + dialing
	waiters *list.List
	closed  bool
	done    chan struct{}
}

// New builds a pool. No connection is made until the first Acquire.
func New(dialer remote.Dialer, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		dialer:  dialer,
		backoff: resilience.NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		limiter: rate.NewLimiter(cfg.DialRate, cfg.Size),
		logger:  xglog.WithComponent("pool"),
		leased:  make(map[*Session]struct{}),
		waiters: list.New(),
		done:    make(chan struct{}),
	}
	p.breaker = resilience.NewCircuitBreaker("remote_dial", cfg.BreakerThreshold, cfg.BreakerReset,
		resilience.WithFailureFilter(func(err error) bool { return errors.Is(err, remote.ErrDial) }))
	return p
}

// Acquire waits for a session in FIFO order. Waiting longer than the
// acquire timeout yields PoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	return p.acquire(ctx, false)
}

// TryAcquire returns PoolExhausted immediately instead of queueing when
// every slot is taken.
func (p *Pool) TryAcquire(ctx context.Context) (*Session, error) {
	return p.acquire(ctx, true)
}

func (p *Pool) acquire(ctx context.Context, failFast bool) (*Session, error) {
	start := time.Now()
	s, err := p.lease(ctx, failFast)
	if err != nil {
		metrics.ObservePoolAcquire(acquireResult(err), time.Since(start))
		return nil, err
	}
	if s != nil && p.cfg.IdleProbe {
		if perr := p.probe(ctx, s); perr != nil {
			p.logger.Debug().
				Str(xglog.FieldEvent, "pool.probe_failed").
				Uint64(xglog.FieldSessionID, s.id).
				Err(perr).
				Msg("idle session failed probe, discarding")
			metrics.IncPoolDiscard("probe_failed")
			_ = s.conn.Close()
			s = nil
		}
	}
	if s == nil {
		s, err = p.dial(ctx)
		if err != nil {
			p.freeSlot()
			metrics.ObservePoolAcquire(acquireResult(err), time.Since(start))
			return nil, err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.slots--
		p.mu.Unlock()
		_ = s.conn.Close()
		return nil, ErrClosed
	}
	s.lastUsed = time.Now()
	p.leased[s] = struct{}{}
	p.publishLocked()
	p.mu.Unlock()

	metrics.ObservePoolAcquire("ok", time.Since(start))
	return s, nil
}

// lease obtains either an idle session or a slot to dial (nil session).
func (p *Pool) lease(ctx context.Context, failFast bool) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.waiters.Len() == 0 {
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return s, nil
		}
		if p.slots < p.cfg.Size {
			p.slots++
			p.mu.Unlock()
			return nil, nil
		}
	}
	if failFast {
		p.mu.Unlock()
		return nil, gwerr.New(gwerr.ErrPoolExhausted, opAcquire, "", fmt.Sprintf("all %d sessions busy", p.cfg.Size), nil)
	}

	w := &waiter{ch: make(chan *Session, 1)}
	w.elem = p.waiters.PushBack(w)
	metrics.PoolWaiters.Inc()
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	var cause error
	select {
	case s := <-w.ch:
		metrics.PoolWaiters.Dec()
		return s, nil
	case <-timer.C:
		cause = gwerr.New(gwerr.ErrPoolExhausted, opAcquire, "", fmt.Sprintf("no session within %s", p.cfg.AcquireTimeout), nil)
	case <-ctx.Done():
		cause = ctx.Err()
	case <-p.done:
		cause = ErrClosed
	}
	metrics.PoolWaiters.Dec()

	p.mu.Lock()
	if !w.granted {
		p.waiters.Remove(w.elem)
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		return nil, cause
	}
	// Granted concurrently with the timeout; pass the grant on.
	s := <-w.ch
	switch {
	case p.closed:
		p.slots--
		if s != nil {
			defer func() { _ = s.conn.Close() }()
		}
	case s == nil:
		p.releaseSlotLocked()
	default:
		p.returnLocked(s)
	}
	p.mu.Unlock()
	return nil, cause
}

func (p *Pool) probe(ctx context.Context, s *Session) error {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return s.conn.Probe(pctx)
}

// dial establishes a new session, retrying transient failures with backoff.
func (p *Pool) dial(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.DialRetries; attempt++ {
		if attempt > 0 {
			if err := resilience.Sleep(ctx, p.backoff.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, gwerr.New(gwerr.ErrConnectFailed, "pool.dial", "", "dial rate limited", err)
		}

		var conn remote.Conn
		err := p.breaker.Execute(func() error {
			var derr error
			conn, derr = p.dialer.Dial(ctx)
			return derr
		})
		if err == nil {
			metrics.IncPoolDial("ok")
			s := &Session{id: p.nextID.Add(1), conn: conn, created: time.Now()}
			p.logger.Debug().
				Str(xglog.FieldEvent, "pool.dialed").
				Uint64(xglog.FieldSessionID, s.id).
				Int(xglog.FieldAttempt, attempt+1).
				Msg("session established")
			return s, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, remote.ErrAuth):
			metrics.IncPoolDial("auth_failed")
			p.logger.Error().
				Str(xglog.FieldEvent, "pool.auth_failed").
				Err(err).
				Msg("remote rejected credentials")
			return nil, gwerr.New(gwerr.ErrAuthFailed, "pool.dial", "", "", err)
		case errors.Is(err, resilience.ErrCircuitOpen):
			metrics.IncPoolDial("circuit_open")
			return nil, gwerr.New(gwerr.ErrConnectFailed, "pool.dial", "", "remote marked unavailable", err)
		case ctx.Err() != nil:
			metrics.IncPoolDial("canceled")
			return nil, ctx.Err()
		}
		metrics.IncPoolDial("error")
		p.logger.Warn().
			Str(xglog.FieldEvent, "pool.dial_failed").
			Int(xglog.FieldAttempt, attempt+1).
			Err(err).
			Msg("dial failed")
	}
	return nil, gwerr.New(gwerr.ErrConnectFailed, "pool.dial", "", fmt.Sprintf("%d attempts", p.cfg.DialRetries+1), lastErr)
}

// Release returns a healthy session. Sessions marked broken, or released
// after Close, are discarded.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	if s.broken.Load() {
		p.Invalidate(s)
		return
	}
	p.mu.Lock()
	if _, ok := p.leased[s]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, s)
	s.lastUsed = time.Now()
	if p.closed {
		p.slots--
		p.publishLocked()
		p.mu.Unlock()
		metrics.IncPoolDiscard("closed")
		_ = s.conn.Close()
		return
	}
	p.returnLocked(s)
	p.publishLocked()
	p.mu.Unlock()
}

// MarkBroken flags a session so that its Release discards it.
func (s *Session) MarkBroken() { s.broken.Store(true) }

// Invalidate discards a leased session and frees its slot; a replacement
// is dialed lazily by the next Acquire.
func (p *Pool) Invalidate(s *Session) {
	if s == nil {
		return
	}
	s.broken.Store(true)
	p.mu.Lock()
	if _, ok := p.leased[s]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, s)
	if p.closed {
		p.slots--
	} else {
		p.releaseSlotLocked()
	}
	p.publishLocked()
	p.mu.Unlock()

	metrics.IncPoolDiscard("invalidated")
	p.logger.Debug().
		Str(xglog.FieldEvent, "pool.invalidated").
		Uint64(xglog.FieldSessionID, s.id).
		Msg("session invalidated")
	_ = s.conn.Close()
}

// returnLocked hands s to the oldest waiter or parks it idle.
func (p *Pool) returnLocked(s *Session) {
	if w := p.popWaiterLocked(); w != nil {
		w.ch <- s
		return
	}
	p.idle = append(p.idle, s)
}

// releaseSlotLocked gives a free slot to the oldest waiter or drops it.
func (p *Pool) releaseSlotLocked() {
	if w := p.popWaiterLocked(); w != nil {
		w.ch <- nil
		return
	}
	p.slots--
}

func (p *Pool) popWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	w := p.waiters.Remove(front).(*waiter)
	w.granted = true
	return w
}

func (p *Pool) freeSlot() {
	p.mu.Lock()
	if p.closed {
		p.slots--
	} else {
		p.releaseSlotLocked()
	}
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pool) publishLocked() {
	metrics.SetPoolSessions(len(p.idle), len(p.leased))
}

// Stats reports the current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.cfg.Size,
		Idle:    len(p.idle),
		Leased:  len(p.leased),
		Dialing: p.slots - len(p.idle) - len(p.leased),
		Waiters: p.waiters.Len(),
	}
}

// BreakerState reports the dial circuit breaker state.
func (p *Pool) BreakerState() resilience.State {
	return p.breaker.State()
}

// Close discards idle sessions and fails pending waiters. Leased sessions
// are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	p.slots -= len(idle)
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		p.waiters.Remove(e)
	}
	p.publishLocked()
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		metrics.IncPoolDiscard("closed")
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func acquireResult(err error) string {
	switch {
	case errors.Is(err, gwerr.ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, gwerr.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, gwerr.ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
