// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package broker

import (
	"fmt"
	"sync"
)

// Transition is one edge of a Machine. Action runs after the state has
// changed and must not fire further events.
type Transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Action func(from, to S, event E)
}

// Machine is a strict finite state machine: an event without an edge from
// the current state is an error and leaves the state unchanged.
// Fire is expected to be called from a single owner goroutine; State may be
// read from anywhere.
type Machine[S ~string, E ~string] struct {
	mu    sync.Mutex
	state S
	index map[edge[S, E]]Transition[S, E]
	hook  func(from, to S, event E)
}

type edge[S ~string, E ~string] struct {
	from  S
	event E
}

// NewMachine builds a machine in state initial. Duplicate edges are rejected.
func NewMachine[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	idx := make(map[edge[S, E]]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := edge[S, E]{t.From, t.Event}
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s --%s-->", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Machine[S, E]{state: initial, index: idx}, nil
}

// OnTransition registers a hook called after every successful transition.
func (m *Machine[S, E]) OnTransition(fn func(from, to S, event E)) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event has an edge from the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[edge[S, E]{m.state, event}]
	return ok
}

// Fire applies event and returns the new state.
func (m *Machine[S, E]) Fire(event E) (S, error) {
	m.mu.Lock()
	from := m.state
	t, ok := m.index[edge[S, E]{from, event}]
	if !ok {
		m.mu.Unlock()
		return from, fmt.Errorf("invalid transition: state=%s event=%s", from, event)
	}
	m.state = t.To
	hook := m.hook
	m.mu.Unlock()

	if t.Action != nil {
		t.Action(from, t.To, event)
	}
	if hook != nil {
		hook(from, t.To, event)
	}
	return t.To, nil
}

// State of one stream key.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateDraining  State = "draining"
)

// Trigger is an input to the stream state machine.
type Trigger string

const (
	TriggerSubscribe       Trigger = "subscribe"
	TriggerReady           Trigger = "ready"
	TriggerStartFailed     Trigger = "start_failed"
	TriggerUpstreamLost    Trigger = "upstream_lost"
	TriggerLastUnsubscribe Trigger = "last_unsubscribe"
	TriggerMaxLifetime     Trigger = "max_lifetime"
	TriggerGiveUp          Trigger = "give_up"
	TriggerShutdown        Trigger = "shutdown"
	TriggerTornDown        Trigger = "torn_down"
)

// streamTransitions is the lifecycle of one stream key:
// idle -> starting -> streaming -> draining -> idle, with reconnects
// looping streaming -> starting.
var streamTransitions = []Transition[State, Trigger]{
	{From: StateIdle, Event: TriggerSubscribe, To: StateStarting},

	{From: StateStarting, Event: TriggerReady, To: StateStreaming},
	{From: StateStarting, Event: TriggerStartFailed, To: StateStarting},
	{From: StateStarting, Event: TriggerGiveUp, To: StateDraining},
	{From: StateStarting, Event: TriggerLastUnsubscribe, To: StateDraining},
	{From: StateStarting, Event: TriggerMaxLifetime, To: StateDraining},
	{From: StateStarting, Event: TriggerShutdown, To: StateDraining},

	{From: StateStreaming, Event: TriggerUpstreamLost, To: StateStarting},
	{From: StateStreaming, Event: TriggerLastUnsubscribe, To: StateDraining},
	{From: StateStreaming, Event: TriggerMaxLifetime, To: StateDraining},
	{From: StateStreaming, Event: TriggerShutdown, To: StateDraining},

	{From: StateDraining, Event: TriggerTornDown, To: StateIdle},
}

func newStreamMachine() *Machine[State, Trigger] {
	m, err := NewMachine(StateIdle, streamTransitions)
	if err != nil {
		panic(err)
	}
	return m
}
