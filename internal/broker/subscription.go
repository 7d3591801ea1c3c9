// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package broker

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/ManuGH/dokkugw/internal/auth"
)

// ErrSubscriptionClosed is returned by Next once the subscription has ended
// and its buffered events were delivered.
var ErrSubscriptionClosed = errors.New("broker: subscription closed")

// Subscription is one consumer of a stream key. Its events start at the
// moment it joined; history is never replayed.
type Subscription struct {
	ID       string
	Key      StreamKey
	Identity auth.Identity
	Created  time.Time

	q      *queue
	stream *stream

	closeOnce sync.Once
	stopCtx   func() bool
}

// Next blocks until the next event is available. It returns
// ErrSubscriptionClosed after a terminal event, or after Close.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		ev, ok, done := s.q.pop()
		if ok {
			return ev, nil
		}
		if done {
			return Event{}, ErrSubscriptionClosed
		}
		select {
		case <-s.q.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Events yields events until the subscription closes or ctx is done.
func (s *Subscription) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}

// Close unsubscribes. Other subscribers of the same key are unaffected.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.stopCtx != nil {
			s.stopCtx()
		}
		s.stream.leave(s)
		s.q.close()
	})
	return nil
}

// Pending reports how many events are buffered.
func (s *Subscription) Pending() int { return s.q.len() }
