// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"time"

	"code.hybscloud.com/atomix"
	"github.com/rs/zerolog"
)

// Slot guard words. Written once at pool construction and verified on
// every Get/Retain/Release; a mismatch means an out-of-bounds write and
// panics immediately rather than poisoning downstream state.
const (
	poolHeaderSanity  = 0xDEADBEEF
	poolTrailerSanity = 0xFACEB007
)

// poolSlot is one fixed block of a Pool: guarded header, reference
// count, destructor fields and the user value.
type poolSlot[T any] struct {
	sanity  uint32
	refs    atomix.Int32
	dtor    Destructor[T]
	dtorCtx any
	pool    *Pool[T]
	value   T
	trailer uint32
}

// Ref is a counted reference to a pool block. The zero Ref refers to
// nothing.
//
// Refs are values; copying one does not retain. Every Get starts at
// count 1, every Retain adds one, every Release drops one, and the block
// returns to the pool on the final Release. Over- or under-releasing is
// a programmer error and panics.
type Ref[T any] struct {
	s *poolSlot[T]
}

// PoolParams configures a [Pool].
type PoolParams[T any] struct {
	// Capacity is the fixed number of blocks. Required.
	Capacity int
	// New, when non-nil, initializes each block's value once at
	// construction (e.g. pre-sizing byte buffers).
	New func() T
	// Destructor, when non-nil, is installed on every allocation that
	// does not supply its own.
	Destructor Destructor[T]
	// DestructorCtx is passed to Destructor.
	DestructorCtx any
	// Logger receives lifecycle diagnostics. Zero value is disabled.
	Logger zerolog.Logger
}

// Pool is a fixed-capacity allocator of reference-counted blocks of T.
//
// All storage is laid out at construction; Get and Release move blocks
// between the caller and an internal free queue without further
// allocation. Reference counts are atomic, so Retain/Release are safe
// from any goroutine; the 1→0 transition runs the block's destructor
// exactly once and is observed by exactly one goroutine.
//
// Example:
//
//	p := evq.NewPool(evq.PoolParams[frame]{Capacity: 16})
//
//	ref, err := p.Get()
//	if err != nil {
//	    // pool exhausted
//	}
//	f := ref.Value()
//	// ... use f ...
//	ref.Release()
type Pool[T any] struct {
	slots    []poolSlot[T]
	free     *BlockingQueue[*poolSlot[T]]
	capacity int
	dtor     Destructor[T]
	dtorCtx  any
	log      zerolog.Logger
}

// NewPool creates a pool with params.Capacity pre-initialized blocks,
// all on the free queue. Panics if Capacity < 1.
func NewPool[T any](params PoolParams[T]) *Pool[T] {
	if params.Capacity < 1 {
		panic("evq: pool capacity must be >= 1")
	}
	p := &Pool[T]{
		slots:    make([]poolSlot[T], params.Capacity),
		free:     NewBlockingQueue[*poolSlot[T]](roundToPow2(params.Capacity)),
		capacity: params.Capacity,
		dtor:     params.Destructor,
		dtorCtx:  params.DestructorCtx,
		log:      params.Logger,
	}
	for i := range p.slots {
		s := &p.slots[i]
		s.sanity = poolHeaderSanity
		s.trailer = poolTrailerSanity
		s.pool = p
		if params.New != nil {
			s.value = params.New()
		}
		if err := p.free.Enqueue(&s, NoWait); err != nil {
			panic("evq: pool free queue rejected a block at init")
		}
	}
	p.log.Debug().Int("capacity", params.Capacity).Msg("pool created")
	return p
}

// Get allocates a block without waiting.
// Equivalent to GetWait(NoWait, nil, nil).
func (p *Pool[T]) Get() (Ref[T], error) {
	return p.GetWait(NoWait, nil, nil)
}

// GetWait allocates a block, waiting up to timeout for one to be
// released if the pool is empty. Returns ErrWouldBlock on expiry.
//
// dtor, when non-nil, overrides the pool's default destructor for this
// allocation. The returned Ref holds the block at count 1.
func (p *Pool[T]) GetWait(timeout time.Duration, dtor Destructor[T], ctx any) (Ref[T], error) {
	s, err := p.free.Dequeue(timeout)
	if err != nil {
		return Ref[T]{}, err
	}
	s.checkSanity()
	s.refs.Add(1)
	if dtor != nil {
		s.dtor = dtor
		s.dtorCtx = ctx
	} else if p.dtor != nil {
		s.dtor = p.dtor
		s.dtorCtx = p.dtorCtx
	}
	return Ref[T]{s: s}, nil
}

// Live returns the number of currently allocated blocks. The value is
// racy under concurrent Get/Release; diagnostics only.
func (p *Pool[T]) Live() int {
	return p.capacity - p.free.Len()
}

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int {
	return p.capacity
}

// Destroy tears down the pool. Every allocation should already have
// been released; Destroy logs an error if any are still live, since the
// holders now reference blocks of a dead pool.
func (p *Pool[T]) Destroy() {
	if live := p.Live(); live != 0 {
		p.log.Error().Int("live", live).Msg("pool destroyed with live allocations")
	}
	p.log.Debug().Msg("pool destroyed")
}

func (s *poolSlot[T]) checkSanity() {
	if s.sanity != poolHeaderSanity || s.trailer != poolTrailerSanity {
		panic("evq: pool block corrupted")
	}
}

// Value returns the block's value. Valid until the final Release.
func (r Ref[T]) Value() *T {
	if r.s == nil {
		panic("evq: use of zero pool Ref")
	}
	return &r.s.value
}

// Retain adds one to the block's reference count.
func (r Ref[T]) Retain() {
	if r.s == nil {
		panic("evq: use of zero pool Ref")
	}
	r.s.checkSanity()
	r.s.refs.Add(1)
}

// Release drops one reference. On the final release the destructor (if
// installed) runs exactly once, then the block returns to the free
// queue; the Ref and the value pointer must not be used afterwards.
func (r Ref[T]) Release() {
	s := r.s
	if s == nil {
		panic("evq: use of zero pool Ref")
	}
	s.checkSanity()
	old := s.refs.AddAcqRel(-1) + 1
	if old <= 0 {
		panic("evq: pool block over-released")
	}
	if old == 1 {
		if s.dtor != nil {
			dtor, ctx := s.dtor, s.dtorCtx
			s.dtor, s.dtorCtx = nil, nil
			dtor(&s.value, ctx)
		}
		if err := s.pool.free.Enqueue(&s, NoWait); err != nil {
			panic("evq: pool free queue rejected a released block")
		}
	}
}

// SetDestructor installs or replaces the destructor on a live
// allocation.
func (r Ref[T]) SetDestructor(dtor Destructor[T], ctx any) {
	if r.s == nil {
		panic("evq: use of zero pool Ref")
	}
	r.s.checkSanity()
	r.s.dtor = dtor
	r.s.dtorCtx = ctx
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
