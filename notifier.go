// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"sync"

	"github.com/rs/zerolog"
)

// DeliverFunc performs the owning system's observer invocation. The
// notifier stores registrations generically; the deliver function knows
// how to decode Registration.Data and call the observer it describes.
type DeliverFunc[E any] func(reg *Registration[E], category int, event E)

// Registration is one observer's entry in a [Notifier]. Blocks are
// drawn from the notifier's internal pool; list links are intrusive so
// register/deregister never allocate.
type Registration[E any] struct {
	prev, next *Registration[E]
	category   int
	ref        Ref[Registration[E]]

	// Owner identifies the system that issued this registration (the
	// state-event loop stamps itself here).
	Owner any
	// Data carries the observer's callback and context, decoded by the
	// notifier's DeliverFunc.
	Data any
}

// Category returns the category the registration is filed under.
func (r *Registration[E]) Category() int {
	return r.category
}

// NotifierParams configures a [Notifier].
type NotifierParams[E any] struct {
	// Categories is the number of observer lists. Required.
	Categories int
	// MaxRegistrations bounds the registration block pool. Required.
	MaxRegistrations int
	// Deliver invokes one observer for one posted event. Required.
	Deliver DeliverFunc[E]
	// Label names the notifier in diagnostics.
	Label string
	// Logger receives lifecycle diagnostics. Zero value is disabled.
	Logger zerolog.Logger
}

// Notifier is a category-indexed observer registry.
//
// Observers register a pool-backed block under an integer category;
// Post walks the category's list under the notifier mutex and hands
// each block to the deliver function, most-recently-registered first.
//
// Because delivery runs with the mutex held, observers must not
// register or deregister on the same notifier from inside delivery, and
// must not block for long: they stall every other Post, Register and
// Deregister.
type Notifier[E any] struct {
	mu      sync.Mutex
	heads   []*Registration[E]
	pool    *Pool[Registration[E]]
	deliver DeliverFunc[E]
	label   string
	log     zerolog.Logger
}

// NewNotifier creates a notifier with params.Categories empty observer
// lists and a registration pool of params.MaxRegistrations blocks.
func NewNotifier[E any](params NotifierParams[E]) *Notifier[E] {
	if params.Categories < 1 {
		panic("evq: notifier needs at least one category")
	}
	if params.MaxRegistrations < 1 {
		panic("evq: notifier needs a non-zero registration pool")
	}
	if params.Deliver == nil {
		panic("evq: notifier needs a deliver function")
	}
	n := &Notifier[E]{
		heads:   make([]*Registration[E], params.Categories),
		deliver: params.Deliver,
		label:   params.Label,
		log:     params.Logger.With().Str("notifier", params.Label).Logger(),
	}
	n.pool = NewPool(PoolParams[Registration[E]]{
		Capacity: params.MaxRegistrations,
		Logger:   params.Logger,
	})
	return n
}

// AllocateBlock returns a zeroed registration block. Exhaustion panics:
// the registration budget is part of system sizing, and running out
// indicates a leak or mis-sizing, not a runtime condition to handle.
func (n *Notifier[E]) AllocateBlock() *Registration[E] {
	n.mu.Lock()
	ref, err := n.pool.Get()
	n.mu.Unlock()
	if err != nil {
		panic("evq: notifier registration pool exhausted")
	}
	reg := ref.Value()
	*reg = Registration[E]{ref: ref}
	return reg
}

// Register files the block under category. The most recently registered
// observer is delivered first on Post.
func (n *Notifier[E]) Register(reg *Registration[E], category int) {
	if reg == nil || category < 0 || category >= len(n.heads) {
		panic("evq: invalid notifier registration")
	}
	n.mu.Lock()
	reg.category = category
	reg.prev = nil
	reg.next = n.heads[category]
	if reg.next != nil {
		reg.next.prev = reg
	}
	n.heads[category] = reg
	n.mu.Unlock()
}

// Deregister splices the block out of its list and returns it to the
// pool. The block must not be touched afterwards. Deregistering from
// inside a delivery callback is unsupported.
func (n *Notifier[E]) Deregister(reg *Registration[E]) {
	if reg == nil {
		panic("evq: invalid notifier registration")
	}
	n.mu.Lock()
	if n.heads[reg.category] == reg {
		n.heads[reg.category] = reg.next
	}
	if reg.prev != nil {
		reg.prev.next = reg.next
	}
	if reg.next != nil {
		reg.next.prev = reg.prev
	}
	ref := reg.ref
	*reg = Registration[E]{}
	ref.Release()
	n.mu.Unlock()
}

// Post delivers event to every observer registered under category, in
// most-recently-registered-first order, holding the notifier mutex for
// the whole walk. Observers registered concurrently with a Post are not
// visible to it.
func (n *Notifier[E]) Post(category int, event E) {
	if category < 0 || category >= len(n.heads) {
		panic("evq: notifier post to unknown category")
	}
	n.mu.Lock()
	for reg := n.heads[category]; reg != nil; reg = reg.next {
		n.deliver(reg, category, event)
	}
	n.mu.Unlock()
}

// Registered returns the number of live registrations across all
// categories. Diagnostics only.
func (n *Notifier[E]) Registered() int {
	return n.pool.Live()
}

// Deinit releases the notifier's resources. Observers still registered
// are dropped with the pool.
func (n *Notifier[E]) Deinit() {
	n.pool.Destroy()
	n.log.Debug().Msg("notifier deinitialized")
}
