// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package broker

import "sync"

// queue is a bounded single-consumer event buffer. When full, the oldest
// entry is dropped and counted; the next pop reports the loss as one gap
// event before resuming normal delivery.
type queue struct {
	mu       sync.Mutex
	buf      []Event
	head     int
	size     int
	dropped  int
	lastDrop uint64
	closed   bool

	notify chan struct{}
}

func newQueue(depth int) *queue {
	if depth < 1 {
		depth = 1
	}
	return &queue{buf: make([]Event, depth), notify: make(chan struct{}, 1)}
}

// push appends ev and reports whether an older event was dropped.
func (q *queue) push(ev Event) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size == len(q.buf) {
		q.lastDrop = q.buf[q.head].Seq
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	q.mu.Unlock()
	q.signal()
	return dropped
}

// pop returns the next event. ok is false when nothing is buffered; done
// is true once the queue is closed and drained.
func (q *queue) pop() (ev Event, ok, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dropped > 0 {
		ev = gapEvent(q.dropped, q.lastDrop)
		q.dropped = 0
		return ev, true, false
	}
	if q.size == 0 {
		return Event{}, false, q.closed
	}
	ev = q.buf[q.head]
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return ev, true, false
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
