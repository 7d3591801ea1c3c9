// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package broker fans long-running remote output out to many subscribers.
//
// Each stream key (app, kind) has at most one upstream process, owned by a
// single run-loop goroutine that also owns the key's subscriber set and
// state machine. Subscribers join and leave by message. Each subscriber has
// its own bounded queue with drop-oldest semantics, so a slow reader never
// stalls the others.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/gwerr"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/resilience"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broker: closed")

// SessionPool is the subset of *pool.Pool used for upstream sessions.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Session, error)
	Release(s *pool.Session)
	Invalidate(s *pool.Session)
}

// Config controls stream lifetimes, queues and reconnects.
type Config struct {
	MaxLifetime      time.Duration
	QueueDepth       int
	Heartbeat        time.Duration
	DrainTimeout     time.Duration
	ReconnectRetries int
	BacklogLines     int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	// StableAfter is how long an upstream must run before its loss starts
	// a new reconnect budget.
	StableAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.ReconnectRetries < 0 {
		c.ReconnectRetries = 0
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 30 * time.Second
	}
	if c.BacklogLines < 0 {
		c.BacklogLines = 0
	}
	return c
}

// StreamInfo describes one active stream key.
type StreamInfo struct {
	App         string `json:"app"`
	Kind        string `json:"kind"`
	State       State  `json:"state"`
	Subscribers int    `json:"subscribers"`
}

// Broker owns all active streams.
type Broker struct {
	cfg     Config
	reg     *allowlist.Registry
	pool    SessionPool
	backoff resilience.Backoff
	logger  zerolog.Logger

	mu       sync.Mutex
	streams  map[StreamKey]*stream
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a broker that launches upstreams from reg's stream operations.
func New(reg *allowlist.Registry, p SessionPool, cfg Config) *Broker {
	cfg = cfg.withDefaults()
	return &Broker{
		cfg:      cfg,
		reg:      reg,
		pool:     p,
		backoff:  resilience.NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		logger:   xglog.WithComponent("broker"),
		streams:  make(map[StreamKey]*stream),
		shutdown: make(chan struct{}),
	}
}

// Subscribe joins the stream (app, kind), starting its upstream if this is
// the first subscriber. Cancelling ctx unsubscribes.
func (b *Broker) Subscribe(ctx context.Context, app string, kind allowlist.StreamKind, identity auth.Identity) (*Subscription, error) {
	spec, ok := b.reg.StreamOperation(kind)
	if !ok {
		return nil, gwerr.InvalidArgument("subscribe", "kind", fmt.Sprintf("unknown stream kind %q", kind))
	}
	// Validate up front so a bad app name never creates a stream key.
	if _, err := b.reg.RenderSpec(spec, b.startArgs(app, false), identity); err != nil {
		return nil, err
	}

	key := StreamKey{App: app, Kind: kind}
	sub := &Subscription{
		ID:       uuid.NewString(),
		Key:      key,
		Identity: identity,
		Created:  time.Now(),
		q:        newQueue(b.cfg.QueueDepth),
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		st := b.streams[key]
		if st == nil {
			st = b.newStream(key, spec, identity)
			sub.stream = st
			st.pending = sub
			b.streams[key] = st
			b.wg.Add(1)
			go st.run()
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()

		sub.stream = st
		joined, err := st.join(ctx, sub)
		if err != nil {
			return nil, err
		}
		if joined {
			break
		}
		// The stream is tearing down; wait for it to go idle and start over.
		select {
		case <-st.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sub.stopCtx = context.AfterFunc(ctx, func() { _ = sub.Close() })
	b.logger.Debug().
		Str(xglog.FieldEvent, "broker.subscribed").
		Str(xglog.FieldStreamKey, key.String()).
		Str(xglog.FieldSubscription, sub.ID).
		Str(xglog.FieldActor, identity.Actor()).
		Msg("subscriber joined")
	return sub, nil
}

// Unsubscribe is equivalent to sub.Close.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub != nil {
		_ = sub.Close()
	}
}

func (b *Broker) startArgs(app string, resume bool) map[string]string {
	lines := b.cfg.BacklogLines
	if resume {
		lines = 0
	}
	return map[string]string{"app": app, "lines": strconv.Itoa(lines)}
}

// State returns the state of key; keys without a stream are idle.
func (b *Broker) State(key StreamKey) State {
	b.mu.Lock()
	st := b.streams[key]
	b.mu.Unlock()
	if st == nil {
		return StateIdle
	}
	return st.fsm.State()
}

// Streams lists active stream keys.
func (b *Broker) Streams() []StreamInfo {
	b.mu.Lock()
	out := make([]StreamInfo, 0, len(b.streams))
	for k, st := range b.streams {
		out = append(out, StreamInfo{
			App:         k.App,
			Kind:        string(k.Kind),
			State:       st.fsm.State(),
			Subscribers: int(st.subCount.Load()),
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].App+out[i].Kind < out[j].App+out[j].Kind })
	return out
}

// Close ends every stream with an "ended: shutdown" event and waits for
// all upstreams to be torn down.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.shutdown)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker shutdown: %w", ctx.Err())
	}
}

func (b *Broker) remove(st *stream) {
	b.mu.Lock()
	if b.streams[st.key] == st {
		delete(b.streams, st.key)
	}
	b.mu.Unlock()
}
