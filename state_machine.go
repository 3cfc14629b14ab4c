// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import "github.com/rs/zerolog"

// StateID identifies a state within one machine. IDs must be unique per
// machine but carry no other meaning to the engine.
type StateID uint32

// MaxStates is the fixed upper bound on registered states per machine.
const MaxStates = 20

// State is one node of a [StateMachine], generic over the machine's
// event type E.
//
// Enter, Exit, ValidEvent and HandleEvent are required; Init is
// optional and runs once, before the first-ever Enter of the state.
// HandleEvent returns the id of the state to transition to — returning
// the current id means stay.
type State[E any] struct {
	ID   StateID
	Name string

	// Init runs once, immediately before the state's first Enter.
	Init func(sm *StateMachine[E], s *State[E])
	// Enter runs every time the machine moves into the state.
	Enter func(sm *StateMachine[E], s *State[E])
	// Exit runs every time the machine moves out of the state.
	Exit func(sm *StateMachine[E], s *State[E])
	// ValidEvent reports whether the state handles evt at all.
	ValidEvent func(sm *StateMachine[E], s *State[E], evt E) bool
	// HandleEvent processes evt and names the next state.
	HandleEvent func(sm *StateMachine[E], s *State[E], evt E) StateID

	sm          *StateMachine[E]
	enteredOnce bool
}

// Machine returns the machine the state is registered in, nil before
// registration.
func (s *State[E]) Machine() *StateMachine[E] {
	return s.sm
}

// StateMachineParams configures a [StateMachine].
type StateMachineParams struct {
	// Name labels the machine in diagnostics.
	Name string
	// StartStateID names the state entered by Start. The state must be
	// registered before Start is called.
	StartStateID StateID
	// Private is an opaque client pointer retrievable via Private.
	Private any
	// Logger receives transition diagnostics. Zero value is disabled.
	Logger zerolog.Logger
}

// StateMachine runs registered states through a latched
// handle-then-transition cycle.
//
// HandleEvent only records the requested next state; Transition
// performs the latched swap. This two-phase shape lets a driver (the
// state-event loop) hand one event to several machines before any of
// them move.
//
// The machine is deliberately lock-free and single-threaded: all calls
// must come from one goroutine. The state-event loop satisfies this by
// only touching its machines from the dispatch worker.
type StateMachine[E any] struct {
	name                string
	states              []*State[E]
	current             *State[E]
	transitionRequested bool
	nextState           StateID
	started             bool
	startState          StateID
	private             any
	log                 zerolog.Logger
}

// NewStateMachine creates an empty machine. States are registered one
// at a time with RegisterState.
func NewStateMachine[E any](params StateMachineParams) *StateMachine[E] {
	return &StateMachine[E]{
		name:       params.Name,
		startState: params.StartStateID,
		private:    params.Private,
		log:        params.Logger.With().Str("machine", params.Name).Logger(),
	}
}

// RegisterState adds a state to the machine and sets the state's
// back-pointer. Panics if a required hook is missing or the machine
// already holds MaxStates states.
func (m *StateMachine[E]) RegisterState(s *State[E]) {
	if s == nil || s.Enter == nil || s.Exit == nil || s.ValidEvent == nil || s.HandleEvent == nil {
		panic("evq: state is missing a required hook")
	}
	if len(m.states) >= MaxStates {
		panic("evq: too many states registered")
	}
	m.states = append(m.states, s)
	s.sm = m
}

// GetState returns the registered state with the given id, or nil.
func (m *StateMachine[E]) GetState(id StateID) *State[E] {
	for _, s := range m.states {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// enterState runs the state's Init exactly once on first-ever entry,
// then Enter.
func (m *StateMachine[E]) enterState(s *State[E]) {
	if !s.enteredOnce {
		s.enteredOnce = true
		if s.Init != nil {
			s.Init(m, s)
		}
	}
	s.Enter(m, s)
}

// Start enters the configured start state. The start state must be
// registered; a missing start state panics.
func (m *StateMachine[E]) Start() {
	initial := m.GetState(m.startState)
	if initial == nil {
		panic("evq: start state not registered")
	}
	m.current = initial
	m.transitionRequested = false
	m.started = true
	m.enterState(m.current)
	m.log.Debug().Str("state", initial.Name).Msg("started")
}

// Stop exits the current state and halts event handling until the next
// Start.
func (m *StateMachine[E]) Stop() {
	if !m.started {
		return
	}
	if m.current != nil {
		m.current.Exit(m, m.current)
		m.current = nil
	}
	m.transitionRequested = false
	m.started = false
	m.log.Debug().Msg("stopped")
}

// Started reports whether the machine is between Start and Stop.
func (m *StateMachine[E]) Started() bool {
	return m.started
}

// HandleEvent offers evt to the current state. If the state accepts it,
// the handler's returned id is latched; a transition is requested iff
// the id differs from the current state. Ignored while stopped.
func (m *StateMachine[E]) HandleEvent(evt E) {
	if !m.started || m.current == nil {
		return
	}
	if !m.current.ValidEvent(m, m.current, evt) {
		return
	}
	m.nextState = m.current.HandleEvent(m, m.current, evt)
	if m.nextState != m.current.ID {
		m.transitionRequested = true
	}
}

// Transition performs the swap latched by the last HandleEvent: Exit
// the current state, Enter the next (Init first iff never entered).
// A latched id with no registered state panics — the handler named a
// state that does not exist.
func (m *StateMachine[E]) Transition() {
	if !m.transitionRequested || !m.started {
		return
	}
	m.transitionRequested = false
	if m.current.ID == m.nextState {
		return
	}
	next := m.GetState(m.nextState)
	if next == nil {
		panic("evq: transition to unregistered state")
	}
	m.log.Debug().Str("from", m.current.Name).Str("to", next.Name).Msg("transition")
	m.current.Exit(m, m.current)
	m.current = next
	m.enterState(m.current)
}

// CurrentState returns the active state, nil while stopped.
func (m *StateMachine[E]) CurrentState() *State[E] {
	return m.current
}

// Name returns the machine's diagnostic name.
func (m *StateMachine[E]) Name() string {
	return m.name
}

// Private returns the opaque client pointer.
func (m *StateMachine[E]) Private() any {
	return m.private
}

// SetPrivate replaces the opaque client pointer.
func (m *StateMachine[E]) SetPrivate(p any) {
	m.private = p
}
