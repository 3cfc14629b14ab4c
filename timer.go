// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"time"

	"code.hybscloud.com/atomix"
)

// After submits fn once, delay from now. A zero or negative delay is an
// immediate Async.
//
// Returns false if the queue is already being destroyed at call time.
// The timer fires through Async, so a fire that lands after Destroy has
// begun is silently dropped — After promises at most one execution,
// never execution after shutdown.
func (q *DispatchQueue) After(delay time.Duration, fn DispatchFunc, arg1, arg2 any) bool {
	if fn == nil {
		panic("evq: dispatch of nil function")
	}
	if delay <= 0 {
		return q.Async(fn, arg1, arg2)
	}
	if q.destroying.LoadAcquire() != 0 {
		return false
	}
	time.AfterFunc(delay, func() {
		q.Async(fn, arg1, arg2)
	})
	return true
}

// TimedAction is a handle to a repeated dispatch started with
// [DispatchQueue.StartRepeated]. Stop prevents further fires; a fire
// already submitted to the queue still completes.
type TimedAction struct {
	stopped atomix.Int32
	done    chan struct{}
}

// Stop cancels future fires. Safe to call from any goroutine, more than
// once, and from the dispatched callback itself.
func (a *TimedAction) Stop() {
	if a == nil {
		return
	}
	if a.stopped.CompareAndSwapAcqRel(0, 1) {
		close(a.done)
	}
}

// StartRepeated submits fn on a periodic cadence until the returned
// handle is stopped.
//
// The first fire lands initial from now; subsequent fires land every
// reload. A zero initial fires immediately and then adopts reload as
// the first period. A zero reload makes this a one-shot. Returns nil if
// both periods are zero or the queue is being destroyed.
//
// Cadence is timer-driven and best-effort: each fire is an Async
// submission, so a busy worker delays execution, not scheduling.
func (q *DispatchQueue) StartRepeated(initial, reload time.Duration, fn DispatchFunc, arg1, arg2 any) *TimedAction {
	if fn == nil {
		panic("evq: dispatch of nil function")
	}
	if q.destroying.LoadAcquire() != 0 {
		return nil
	}
	if initial <= 0 {
		q.Async(fn, arg1, arg2)
		initial = reload
	}
	if initial <= 0 && reload <= 0 {
		return nil
	}
	a := &TimedAction{done: make(chan struct{})}
	go func() {
		t := time.NewTimer(initial)
		defer t.Stop()
		for {
			select {
			case <-a.done:
				return
			case <-t.C:
			}
			if !q.Async(fn, arg1, arg2) {
				// Queue is shutting down; the cadence dies with it.
				return
			}
			if reload <= 0 {
				return
			}
			t.Reset(reload)
		}
	}()
	return a
}

// StopRepeated stops a repeated dispatch. Equivalent to h.Stop; nil
// handles are ignored.
func StopRepeated(h *TimedAction) {
	h.Stop()
}
