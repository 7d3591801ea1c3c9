// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package broker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/dokku"
	"github.com/ManuGH/dokkugw/internal/gwerr"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/ManuGH/dokkugw/internal/metrics"
	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/remote"
	"github.com/ManuGH/dokkugw/internal/resilience"
	"github.com/rs/zerolog"
)

const maxLineBytes = 1 << 20

// stream is the run-loop state of one key. Fields below the separator are
// owned by the run goroutine.
type stream struct {
	b        *Broker
	key      StreamKey
	spec     *allowlist.OperationSpec
	identity auth.Identity
	fsm      *Machine[State, Trigger]
	logger   zerolog.Logger

	pending  *Subscription
	joinCh   chan *Subscription
	leaveCh  chan *Subscription
	exiting  chan struct{}
	done     chan struct{}
	subCount atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	subs       map[string]*Subscription
	seq        uint64
	attempts   int
	recovering bool
	up         *upstream
	starter    *starter
}

type exitStatus struct {
	code int
	err  error
}

// upstream is a running remote process and its line reader.
type upstream struct {
	since time.Time
	sess  *pool.Session
	proc  remote.Process
	lines chan string
	exit  chan exitStatus
	stop  chan struct{}
	done  chan struct{}
}

type startResult struct {
	sess *pool.Session
	proc remote.Process
	err  error
}

// starter is an in-flight (possibly delayed) upstream launch.
type starter struct {
	cancel context.CancelFunc
	result chan startResult
	done   chan struct{}
}

func (b *Broker) newStream(key StreamKey, spec *allowlist.OperationSpec, identity auth.Identity) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		b:        b,
		key:      key,
		spec:     spec,
		identity: identity,
		fsm:      newStreamMachine(),
		logger: b.logger.With().
			Str(xglog.FieldStreamKey, key.String()).
			Str(xglog.FieldApp, key.App).
			Logger(),
		joinCh:  make(chan *Subscription),
		leaveCh: make(chan *Subscription),
		exiting: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*Subscription),
	}
	s.fsm.OnTransition(s.onTransition)
	return s
}

// join hands sub to the run loop. It reports false when the stream is
// already tearing down.
func (s *stream) join(ctx context.Context, sub *Subscription) (bool, error) {
	select {
	case s.joinCh <- sub:
		return true, nil
	case <-s.exiting:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *stream) leave(sub *Subscription) {
	select {
	case s.leaveCh <- sub:
	case <-s.exiting:
	}
}

func (s *stream) kind() string { return string(s.key.Kind) }

func (s *stream) run() {
	defer s.finish()

	lifetime := time.NewTimer(s.b.cfg.MaxLifetime)
	defer lifetime.Stop()
	heartbeat := time.NewTicker(s.b.cfg.Heartbeat)
	defer heartbeat.Stop()

	s.accept(s.pending)
	s.pending = nil

	for {
		var (
			started <-chan startResult
			lines   <-chan string
			exited  <-chan exitStatus
		)
		if s.starter != nil {
			started = s.starter.result
		}
		if s.up != nil {
			lines, exited = s.up.lines, s.up.exit
		}

		select {
		case sub := <-s.joinCh:
			s.accept(sub)
		case sub := <-s.leaveCh:
			s.forget(sub)
			if len(s.subs) == 0 {
				s.drain(TriggerLastUnsubscribe, "last_unsubscribe")
				return
			}
		case res := <-started:
			if s.onStart(res) {
				return
			}
		case line := <-lines:
			s.broadcast(Event{Kind: EventLog, Payload: line, Level: dokku.ClassifyLogLine(line)})
		case st := <-exited:
			if s.onExit(st) {
				return
			}
		case <-heartbeat.C:
			if s.fsm.State() == StateStreaming {
				s.broadcast(Event{Kind: EventHeartbeat})
			}
		case <-lifetime.C:
			s.end(TriggerMaxLifetime, ReasonMaxLifetime)
			return
		case <-s.b.shutdown:
			s.end(TriggerShutdown, ReasonShutdown)
			return
		}
	}
}

func (s *stream) accept(sub *Subscription) {
	s.subs[sub.ID] = sub
	s.subCount.Add(1)
	metrics.AddBrokerSubscribers(s.kind(), 1)
	if s.fsm.State() == StateIdle {
		s.fire(TriggerSubscribe)
		s.startUpstream(0)
	}
}

func (s *stream) forget(sub *Subscription) {
	if _, ok := s.subs[sub.ID]; !ok {
		return
	}
	delete(s.subs, sub.ID)
	s.subCount.Add(-1)
	metrics.AddBrokerSubscribers(s.kind(), -1)
}

func (s *stream) closeAll() {
	for id, sub := range s.subs {
		sub.q.close()
		delete(s.subs, id)
	}
	if n := s.subCount.Swap(0); n > 0 {
		metrics.AddBrokerSubscribers(s.kind(), -float64(n))
	}
}

// startUpstream launches the remote process after delay. The result is
// delivered to the run loop through the starter's result channel.
func (s *stream) startUpstream(delay time.Duration) {
	ctx, cancel := context.WithCancel(s.ctx)
	st := &starter{cancel: cancel, result: make(chan startResult), done: make(chan struct{})}
	s.starter = st
	resume := s.recovering

	go func() {
		defer close(st.done)
		defer cancel()
		res := s.launch(ctx, delay, resume)
		select {
		case st.result <- res:
		case <-ctx.Done():
			if res.proc != nil {
				_ = res.proc.Terminate(0)
			}
			if res.sess != nil {
				s.b.pool.Invalidate(res.sess)
			}
		}
	}()
}

func (s *stream) launch(ctx context.Context, delay time.Duration, resume bool) startResult {
	if err := resilience.Sleep(ctx, delay); err != nil {
		return startResult{err: err}
	}
	inv, err := s.b.reg.RenderSpec(s.spec, s.b.startArgs(s.key.App, resume), s.identity)
	if err != nil {
		return startResult{err: err}
	}
	if err := inv.Consume(); err != nil {
		return startResult{err: err}
	}
	sess, err := s.b.pool.Acquire(ctx)
	if err != nil {
		return startResult{err: err}
	}
	proc, err := sess.Conn().Start(s.ctx, inv.Argv)
	if err != nil {
		s.b.pool.Invalidate(sess)
		return startResult{err: fmt.Errorf("start %s: %w", s.spec.ID, err)}
	}
	s.logger.Debug().
		Str(xglog.FieldEvent, "broker.upstream_started").
		Str(xglog.FieldInvocationID, inv.ID).
		Uint64(xglog.FieldSessionID, sess.ID()).
		Bool("resume", resume).
		Msg("upstream started")
	return startResult{sess: sess, proc: proc}
}

// onStart handles a launch result and reports whether the stream ended.
func (s *stream) onStart(res startResult) bool {
	s.starter = nil
	if res.err != nil {
		s.fire(TriggerStartFailed)
		return s.retry(res.err)
	}

	s.fire(TriggerReady)
	s.up = s.attach(res.sess, res.proc)
	if s.recovering {
		s.recovering = false
		metrics.IncBrokerReconnect(s.kind(), "resumed")
		s.logger.Info().Str(xglog.FieldEvent, "broker.resumed").Int(xglog.FieldAttempt, s.attempts).Msg("upstream resumed")
		s.broadcast(Event{Kind: EventResumed})
	}
	return false
}

// onExit handles the upstream ending on its own and reports whether the
// stream ended.
func (s *stream) onExit(st exitStatus) bool {
	up := s.up
	s.up = nil
	<-up.done
	if st.err == nil {
		s.b.pool.Release(up.sess)
	} else {
		s.b.pool.Invalidate(up.sess)
	}

	cause := st.err
	if cause == nil {
		cause = fmt.Errorf("upstream exited with code %d", st.code)
	}
	s.logger.Warn().
		Err(cause).
		Str(xglog.FieldEvent, "broker.upstream_lost").
		Int(xglog.FieldExitCode, st.code).
		Msg("upstream lost")
	s.fire(TriggerUpstreamLost)
	// Only an upstream that stayed up earns a fresh retry budget; one that
	// prints an error and exits must not.
	if time.Since(up.since) >= s.b.cfg.StableAfter {
		s.attempts = 0
	}
	return s.retry(cause)
}

// retry schedules the next launch, or fails the stream when the cause is
// permanent or the retry budget is spent. It reports whether the stream ended.
func (s *stream) retry(cause error) bool {
	if gwerr.KindOf(cause) == gwerr.KindAuthFailed {
		s.fail(cause)
		return true
	}
	s.attempts++
	limit := s.b.cfg.ReconnectRetries
	if s.attempts > limit {
		s.fail(fmt.Errorf("reconnect attempts exhausted (%d): %w", limit, cause))
		return true
	}

	s.recovering = true
	metrics.IncBrokerReconnect(s.kind(), "retry")
	delay := s.b.backoff.Delay(s.attempts - 1)
	s.logger.Info().
		Err(cause).
		Str(xglog.FieldEvent, "broker.reconnect").
		Int(xglog.FieldAttempt, s.attempts).
		Dur("delay", delay).
		Msg("reconnecting upstream")
	s.broadcast(Event{
		Kind:    EventReconnecting,
		Payload: fmt.Sprintf("attempt %d/%d: %v", s.attempts, limit, cause),
	})
	s.startUpstream(delay)
	return false
}

func (s *stream) attach(sess *pool.Session, proc remote.Process) *upstream {
	up := &upstream{
		since: time.Now(),
		sess:  sess,
		proc:  proc,
		lines: make(chan string),
		exit:  make(chan exitStatus, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(up.done)
		out := proc.Output()
		sc := bufio.NewScanner(out)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for sc.Scan() {
			select {
			case up.lines <- sc.Text():
			case <-up.stop:
			}
		}
		if sc.Err() != nil {
			_, _ = io.Copy(io.Discard, out)
		}
		code, err := proc.Wait()
		up.exit <- exitStatus{code: code, err: err}
	}()
	return up
}

func (s *stream) fail(cause error) {
	metrics.IncBrokerReconnect(s.kind(), "failed")
	s.logger.Error().Err(cause).Str(xglog.FieldEvent, "broker.failed").Msg("stream failed")
	s.broadcast(Event{Kind: EventFailed, Payload: cause.Error()})
	s.drain(TriggerGiveUp, "failed")
}

func (s *stream) end(trigger Trigger, reason string) {
	s.broadcast(Event{Kind: EventEnded, Payload: reason})
	s.drain(trigger, reason)
}

// drain stops accepting subscribers, closes the remaining ones and tears
// the upstream down.
func (s *stream) drain(trigger Trigger, reason string) {
	s.fire(trigger)
	close(s.exiting)
	s.closeAll()

	if st := s.starter; st != nil {
		s.starter = nil
		st.cancel()
		<-st.done
	}
	if up := s.up; up != nil {
		s.up = nil
		s.teardown(up)
	}

	s.fire(TriggerTornDown)
	metrics.IncBrokerTeardown(reason)
	s.logger.Info().
		Str(xglog.FieldEvent, "broker.teardown").
		Str("reason", reason).
		Msg("stream torn down")
}

// teardown terminates the upstream and returns its session. A process that
// outlives DrainTimeout has its session invalidated.
func (s *stream) teardown(up *upstream) {
	close(up.stop)
	deadline := time.NewTimer(s.b.cfg.DrainTimeout)
	defer deadline.Stop()

	_ = up.proc.Terminate(s.b.cfg.DrainTimeout / 2)

	select {
	case st := <-up.exit:
		<-up.done
		if st.err == nil {
			s.b.pool.Release(up.sess)
		} else {
			s.b.pool.Invalidate(up.sess)
		}
	case <-deadline.C:
		s.logger.Warn().Str(xglog.FieldEvent, "broker.teardown_timeout").Msg("upstream ignored termination")
		s.b.pool.Invalidate(up.sess)
		<-up.done
	}
}

func (s *stream) broadcast(ev Event) {
	s.seq++
	ev.Seq = s.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	dropped := 0
	for _, sub := range s.subs {
		if sub.q.push(ev) {
			dropped++
		}
	}
	metrics.AddBrokerDropped(s.kind(), dropped)
	metrics.IncBrokerEvent(s.kind(), string(ev.Kind))
}

func (s *stream) fire(t Trigger) {
	if _, err := s.fsm.Fire(t); err != nil {
		s.logger.Error().Err(err).Str(xglog.FieldEvent, "broker.invalid_transition").Msg("stream state machine rejected trigger")
	}
}

func (s *stream) onTransition(from, to State, t Trigger) {
	if from != StateIdle {
		metrics.AddBrokerStream(string(from), -1)
	}
	if to != StateIdle {
		metrics.AddBrokerStream(string(to), 1)
	}
	s.logger.Debug().
		Str(xglog.FieldEvent, "broker.transition").
		Str(xglog.FieldOldState, string(from)).
		Str(xglog.FieldNewState, string(to)).
		Str("trigger", string(t)).
		Msg("stream state changed")
}

func (s *stream) finish() {
	s.cancel()
	s.b.remove(s)
	close(s.done)
	s.b.wg.Done()
}
