// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package broker

import (
	"strconv"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
)

// EventKind classifies stream events.
type EventKind string

const (
	EventLog          EventKind = "log"
	EventHeartbeat    EventKind = "heartbeat"
	EventReconnecting EventKind = "reconnecting"
	EventResumed      EventKind = "resumed"
	EventGap          EventKind = "gap"
	EventEnded        EventKind = "ended"
	EventFailed       EventKind = "failed"
)

// Terminal reports whether no event follows this one.
func (k EventKind) Terminal() bool { return k == EventEnded || k == EventFailed }

// Event is one message delivered to a subscriber. Seq numbers the events
// of one stream from 1. Gap events are per subscriber and carry Seq 0; their
// Through is the Seq of the last event dropped.
type Event struct {
	Kind      EventKind `json:"kind"`
	Payload   string    `json:"payload"`
	Level     string    `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
	Through   uint64    `json:"through,omitempty"`
}

// Reasons carried by ended events.
const (
	ReasonMaxLifetime = "max_lifetime"
	ReasonShutdown    = "shutdown"
)

// StreamKey identifies one logical upstream.
type StreamKey struct {
	App  string
	Kind allowlist.StreamKind
}

func (k StreamKey) String() string { return k.App + "/" + string(k.Kind) }

func gapEvent(dropped int, lastSeq uint64) Event {
	return Event{
		Kind:      EventGap,
		Payload:   strconv.Itoa(dropped),
		Timestamp: time.Now().UTC(),
		Through:   lastSeq,
	}
}
