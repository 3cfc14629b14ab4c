// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Event is the unit of work posted through a [Loop]: a fixed prefix
// (id, owning loop, optional stringer) followed by the payload type P.
//
// Events live in the loop's fixed pool. Post copies the caller's
// template into a pooled event, so the template itself can live
// anywhere and be reused immediately.
type Event[P any] struct {
	// ID is the event's category, stamped by Post.
	ID int
	// Stringer renders the event for diagnostics. Optional.
	Stringer func(e *Event[P]) string
	// Data is the payload.
	Data P

	loop *Loop[P]
	ref  Ref[Event[P]]
}

// Loop returns the loop the event was posted through.
func (e *Event[P]) Loop() *Loop[P] {
	return e.loop
}

// String renders the event via its Stringer, or a generic form.
func (e *Event[P]) String() string {
	if e.Stringer != nil {
		return e.Stringer(e)
	}
	return fmt.Sprintf("event(%d)", e.ID)
}

// MachineSpec names one state machine of a [Loop].
type MachineSpec struct {
	Name         string
	StartStateID StateID
}

// PreProcFunc runs on the dispatch worker before any machine or
// observer sees the event.
type PreProcFunc[P any] func(e *Event[P], ctx any)

// LoopParams configures a [Loop].
type LoopParams[P any] struct {
	// Name labels the loop, its worker and its notifier.
	Name string
	// Machines declares the loop's state machines in handling order.
	// At least one is required.
	Machines []MachineSpec
	// QueueCapacity sizes both the dispatch ring and the event pool:
	// every in-flight event holds one pool block and one ring slot, so
	// the two budgets are one number.
	QueueCapacity int
	// MaxRegistrations bounds the observer registration pool.
	MaxRegistrations int
	// Categories is the number of event ids (exclusive upper bound on
	// Event.ID).
	Categories int
	// Deliver invokes one observer for one event, on the loop worker.
	Deliver DeliverFunc[*Event[P]]
	// Private is handed to every machine as its client pointer.
	Private any
	// Logger receives lifecycle and transition diagnostics.
	Logger zerolog.Logger
}

// Loop is the canonical "one input queue, many state machines, many
// observers" event dispatcher.
//
// Producers on any goroutine Post events; the loop's single dispatch
// worker drains them in order, feeding each event first through every
// machine (handle then transition, in declaration order), then to the
// observers registered for the event's id, then back to the event pool.
// Machines and observers therefore never need their own locking, but
// observers must not block the worker; long work belongs on another
// dispatch queue.
type Loop[P any] struct {
	name       string
	machines   []*StateMachine[*Event[P]]
	exec       *DispatchQueue
	events     *Pool[Event[P]]
	notifier   *Notifier[*Event[P]]
	preProc    PreProcFunc[P]
	preProcCtx any
	log        zerolog.Logger
}

// NewLoop builds the loop's dispatch queue, machines, notifier and
// event pool. A configuration mismatch returns ErrConfig with
// everything already unwound.
func NewLoop[P any](params LoopParams[P]) (*Loop[P], error) {
	if len(params.Machines) == 0 {
		return nil, fmt.Errorf("%w: loop %q needs at least one state machine", ErrConfig, params.Name)
	}
	if params.QueueCapacity < 1 {
		return nil, fmt.Errorf("%w: loop %q needs a non-zero queue capacity", ErrConfig, params.Name)
	}
	if params.Categories < 1 {
		return nil, fmt.Errorf("%w: loop %q needs a non-zero category count", ErrConfig, params.Name)
	}
	if params.MaxRegistrations < 1 {
		return nil, fmt.Errorf("%w: loop %q needs a non-zero registration budget", ErrConfig, params.Name)
	}
	if params.Deliver == nil {
		return nil, fmt.Errorf("%w: loop %q needs a deliver function", ErrConfig, params.Name)
	}

	l := &Loop[P]{
		name: params.Name,
		log:  params.Logger.With().Str("loop", params.Name).Logger(),
	}
	l.exec = NewDispatchQueue(DispatchQueueParams{
		Capacity: params.QueueCapacity,
		Label:    params.Name,
		Logger:   params.Logger,
	})
	for _, spec := range params.Machines {
		l.machines = append(l.machines, NewStateMachine[*Event[P]](StateMachineParams{
			Name:         spec.Name,
			StartStateID: spec.StartStateID,
			Private:      params.Private,
			Logger:       params.Logger,
		}))
	}
	l.notifier = NewNotifier(NotifierParams[*Event[P]]{
		Categories:       params.Categories,
		MaxRegistrations: params.MaxRegistrations,
		Deliver:          params.Deliver,
		Label:            params.Name,
		Logger:           params.Logger,
	})
	// The event pool and the dispatch ring share one capacity: every
	// accepted Post holds exactly one block and one ring slot.
	l.events = NewPool(PoolParams[Event[P]]{
		Capacity: params.QueueCapacity,
		Logger:   params.Logger,
	})
	l.log.Debug().Int("machines", len(l.machines)).Int("capacity", params.QueueCapacity).Msg("loop initialized")
	return l, nil
}

// AddState registers a state with the machine at the given index.
func (l *Loop[P]) AddState(s *State[*Event[P]], machine int) {
	if machine < 0 || machine >= len(l.machines) {
		panic("evq: loop machine index out of range")
	}
	l.machines[machine].RegisterState(s)
}

// InstallEventPreProc installs a callback that runs on the worker
// before any machine or observer sees each event. Only valid before
// Start; returns false (and installs nothing) afterwards.
func (l *Loop[P]) InstallEventPreProc(fn PreProcFunc[P], ctx any) bool {
	if l.machines[0].Started() {
		return false
	}
	l.preProc = fn
	l.preProcCtx = ctx
	return true
}

// Start starts every machine in declaration order.
func (l *Loop[P]) Start() {
	for _, m := range l.machines {
		m.Start()
	}
}

// Stop stops every machine. Observers stay registered; events posted
// while stopped still flow to observers, but every machine ignores
// them.
func (l *Loop[P]) Stop() {
	for _, m := range l.machines {
		m.Stop()
	}
}

// AllocateEvent takes an event block from the loop's pool for a manual
// post path. Exhaustion panics: the pool is sized to the dispatch ring,
// so running dry means events are leaking. Most callers want Post.
func (l *Loop[P]) AllocateEvent() *Event[P] {
	ref, err := l.events.Get()
	if err != nil {
		panic("evq: loop event pool exhausted")
	}
	e := ref.Value()
	*e = Event[P]{loop: l, ref: ref}
	return e
}

// RetainEvent adds a reference to a pooled event, keeping it alive
// beyond the worker's release. Intended for observers that hand the
// event to another queue.
func (l *Loop[P]) RetainEvent(e *Event[P]) {
	e.ref.Retain()
}

// ReleaseEvent drops a reference taken with RetainEvent (or releases a
// manually allocated event that was never posted).
func (l *Loop[P]) ReleaseEvent(e *Event[P]) {
	e.ref.Release()
}

// Post copies template into a pooled event, stamps the event id and
// owning loop, and submits it to the worker. Returns false if the loop
// is shutting down. Panics when the event pool is exhausted — by
// construction that means the dispatch ring is full too, i.e. producers
// have outrun the configured backpressure bound.
func (l *Loop[P]) Post(category int, template *Event[P]) bool {
	if template == nil {
		return false
	}
	ref, err := l.events.Get()
	if err != nil {
		panic("evq: loop event pool exhausted")
	}
	e := ref.Value()
	*e = *template
	e.ref = ref
	e.loop = l
	e.ID = category
	if !l.exec.Async(l.execute, e, nil) {
		ref.Release()
		return false
	}
	return true
}

// execute processes one event on the dispatch worker: pre-processor,
// every machine (handle + transition) in order, observer fan-out, then
// the event returns to the pool.
func (l *Loop[P]) execute(arg1, _ any) {
	e := arg1.(*Event[P])
	if l.preProc != nil {
		l.preProc(e, l.preProcCtx)
	}
	for _, m := range l.machines {
		m.HandleEvent(e)
		m.Transition()
	}
	l.notifier.Post(e.ID, e)
	e.ref.Release()
}

// AllocateRegistration takes an observer registration block from the
// loop's notifier.
func (l *Loop[P]) AllocateRegistration() *Registration[*Event[P]] {
	return l.notifier.AllocateBlock()
}

// RegisterNotification stamps the loop on the block and files it under
// eventID. Delivery happens on the loop worker.
func (l *Loop[P]) RegisterNotification(eventID int, reg *Registration[*Event[P]]) bool {
	if reg == nil {
		return false
	}
	reg.Owner = l
	l.notifier.Register(reg, eventID)
	return true
}

// DeregisterNotification removes the block and returns it to the
// notifier's pool.
func (l *Loop[P]) DeregisterNotification(reg *Registration[*Event[P]]) {
	if reg == nil {
		return
	}
	l.notifier.Deregister(reg)
}

// CurrentStateID returns the active state id of the machine at the
// given index. Panics if the index is out of range or the machine is
// stopped.
func (l *Loop[P]) CurrentStateID(machine int) StateID {
	s := l.CurrentState(machine)
	if s == nil {
		panic("evq: loop machine has no current state")
	}
	return s.ID
}

// CurrentState returns the active state of the machine at the given
// index, nil while stopped.
func (l *Loop[P]) CurrentState(machine int) *State[*Event[P]] {
	if machine < 0 || machine >= len(l.machines) {
		panic("evq: loop machine index out of range")
	}
	return l.machines[machine].CurrentState()
}

// Name returns the loop's diagnostic name.
func (l *Loop[P]) Name() string {
	return l.name
}

// Deinit tears the loop down: the dispatch queue is destroyed first
// (draining every in-flight event back to the pool), then the machines
// stop, then the notifier and event pool are released.
func (l *Loop[P]) Deinit() {
	l.exec.Destroy()
	l.Stop()
	l.notifier.Deinit()
	l.events.Destroy()
	l.log.Debug().Msg("loop deinitialized")
}
