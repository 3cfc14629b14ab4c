// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"time"

	"code.hybscloud.com/atomix"
	"github.com/rs/zerolog"
)

// workItem is one submitted callback with its two opaque arguments.
// Records are drawn from the dispatch queue's internal pool, never
// allocated on the submission path.
type workItem struct {
	fn   DispatchFunc
	arg1 any
	arg2 any
}

// DispatchQueueParams configures a [DispatchQueue].
type DispatchQueueParams struct {
	// Capacity bounds both the pending-work ring and the work-item
	// record pool. Required.
	Capacity int
	// Label names the worker in diagnostics.
	Label string
	// Logger receives lifecycle diagnostics. Zero value is disabled.
	Logger zerolog.Logger
}

// DispatchQueue executes submitted callbacks on a single worker
// goroutine in strict submission order.
//
// Work items are {fn, arg1, arg2} records drawn from a fixed pool of
// Capacity records, so a submission never allocates. Submissions are
// safe from any goroutine. There is no cancellation of accepted work;
// the only stop point is [DispatchQueue.Destroy], which drains every
// item accepted before it.
//
// Example:
//
//	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 16, Label: "ctrl"})
//	dq.Async(func(a1, a2 any) { handle(a1.(*request)) }, req, nil)
//	// ...
//	dq.Destroy()
type DispatchQueue struct {
	destroying atomix.Int32
	// items carries one extra slot beyond the record pool so the kill
	// sentinel always fits without blocking Destroy.
	items  chan Ref[workItem]
	pool   *Pool[workItem]
	exited Signal
	label  string
	log    zerolog.Logger
}

// NewDispatchQueue creates the internal ring and record pool and starts
// the worker goroutine. Panics if Capacity < 1.
func NewDispatchQueue(params DispatchQueueParams) *DispatchQueue {
	if params.Capacity < 1 {
		panic("evq: dispatch queue capacity must be >= 1")
	}
	q := &DispatchQueue{
		items: make(chan Ref[workItem], params.Capacity+1),
		pool:  NewPool(PoolParams[workItem]{Capacity: params.Capacity, Logger: params.Logger}),
		label: params.Label,
		log:   params.Logger.With().Str("dispatch", params.Label).Logger(),
	}
	go q.worker()
	q.log.Debug().Int("capacity", params.Capacity).Msg("dispatch queue started")
	return q
}

// worker drains the ring until it dequeues the kill sentinel (the zero
// Ref, which no Async submission can produce).
func (q *DispatchQueue) worker() {
	for item := range q.items {
		if item.s == nil {
			break
		}
		rec := item.Value()
		rec.fn(rec.arg1, rec.arg2)
		*rec = workItem{}
		item.Release()
	}
	q.exited.Send()
}

// Async submits fn for execution with two opaque arguments. The caller
// keeps ownership of both arguments.
//
// Returns false once Destroy has begun; accepted submissions execute in
// the exact order their Async calls returned true. Panics if the record
// pool is exhausted: the ring and pool are sized together, so
// exhaustion means submissions are outrunning the worker beyond the
// configured bound.
func (q *DispatchQueue) Async(fn DispatchFunc, arg1, arg2 any) bool {
	if fn == nil {
		panic("evq: dispatch of nil function")
	}
	if q.destroying.LoadAcquire() != 0 {
		return false
	}
	item, err := q.pool.Get()
	if err != nil {
		panic("evq: dispatch queue backpressure violated: work item pool exhausted")
	}
	rec := item.Value()
	rec.fn = fn
	rec.arg1 = arg1
	rec.arg2 = arg2
	q.items <- item
	return true
}

// Destroy stops the worker after draining every accepted submission.
//
// It rejects further submissions, enqueues the kill sentinel and waits
// for the worker to exit. A bounded wait guards against a wedged
// callback: if the worker does not exit within a few seconds, Destroy
// panics, since the queue's resources can never be reclaimed. A second
// Destroy is a no-op.
func (q *DispatchQueue) Destroy() {
	if !q.destroying.CompareAndSwapAcqRel(0, 1) {
		return
	}
	q.items <- Ref[workItem]{}
	if err := q.exited.WaitTimed(3 * time.Second); err != nil {
		panic("evq: dispatch queue worker did not exit: callback wedged")
	}
	q.pool.Destroy()
	q.log.Debug().Msg("dispatch queue destroyed")
}

// Label returns the queue's diagnostic label.
func (q *DispatchQueue) Label() string {
	return q.label
}
