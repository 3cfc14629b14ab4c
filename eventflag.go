// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"sync"
	"time"
)

// FlagWaitMode selects how an [EventFlag.Wait] matches the required mask
// and whether matched bits are consumed on wakeup.
type FlagWaitMode int

const (
	// WaitOr wakes when any required bit is set.
	WaitOr FlagWaitMode = iota
	// WaitOrClear wakes when any required bit is set and clears the
	// matched bits.
	WaitOrClear
	// WaitAnd wakes when all required bits are set.
	WaitAnd
	// WaitAndClear wakes when all required bits are set and clears the
	// matched bits.
	WaitAndClear
)

// EventFlag is a 32-bit flag word that goroutines can wait on with
// AND/OR match modes and optional auto-clear on wakeup.
//
// Send sets bits and wakes every waiter; each waiter re-evaluates its
// own mask and mode. Waiting with a budget of NoWait polls the current
// value without sleeping.
//
// The zero value is ready to use.
type EventFlag struct {
	mu   sync.Mutex
	val  uint32
	gate chan struct{}
}

// NewEventFlag creates an event flag with all bits clear.
func NewEventFlag() *EventFlag {
	return &EventFlag{}
}

// check matches val against the required mask under f.mu and consumes
// bits for the clearing modes.
func (f *EventFlag) check(required uint32, mode FlagWaitMode) (uint32, bool) {
	got := f.val & required
	ok := false
	switch mode {
	case WaitOr, WaitOrClear:
		ok = got != 0
	case WaitAnd, WaitAndClear:
		ok = got == required
	}
	if ok && (mode == WaitOrClear || mode == WaitAndClear) {
		f.val &^= got
	}
	return got, ok
}

// Wait blocks until the required bits match per mode, or the wait budget
// expires. On success it returns the matched bits; on expiry it returns
// (0, ErrWouldBlock). required must be non-zero.
func (f *EventFlag) Wait(required uint32, mode FlagWaitMode, timeout time.Duration) (uint32, error) {
	if required == 0 {
		panic("evq: event flag wait requires a non-zero mask")
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		f.mu.Lock()
		if got, ok := f.check(required, mode); ok {
			f.mu.Unlock()
			return got, nil
		}
		if timeout == 0 {
			f.mu.Unlock()
			return 0, ErrWouldBlock
		}
		if f.gate == nil {
			f.gate = make(chan struct{})
		}
		gate := f.gate
		f.mu.Unlock()

		if timeout < 0 {
			<-gate
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrWouldBlock
		}
		t := time.NewTimer(remaining)
		select {
		case <-gate:
			t.Stop()
		case <-t.C:
			// One last poll: the bits may have been set between the
			// gate snapshot and the timer firing.
			f.mu.Lock()
			got, ok := f.check(required, mode)
			f.mu.Unlock()
			if ok {
				return got, nil
			}
			return 0, ErrWouldBlock
		}
	}
}

// Send sets the given bits and wakes all waiters.
func (f *EventFlag) Send(bits uint32) {
	f.mu.Lock()
	f.val |= bits
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	f.mu.Unlock()
}

// Clear masks the given bits off without waking anyone.
func (f *EventFlag) Clear(bits uint32) {
	f.mu.Lock()
	f.val &^= bits
	f.mu.Unlock()
}

// Peek returns the current flag word. Diagnostics only.
func (f *EventFlag) Peek() uint32 {
	f.mu.Lock()
	v := f.val
	f.mu.Unlock()
	return v
}

// Signal is a degenerate event flag on a single bit with auto-clear on
// wait. One side Sends, the other Waits; repeated Sends before a Wait
// coalesce into one wakeup.
//
// The zero value is ready to use.
type Signal struct {
	flag EventFlag
}

// NewSignal creates an unsignaled Signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Send marks the signal. Idempotent until the next Wait.
func (s *Signal) Send() {
	s.flag.Send(1)
}

// Wait blocks until the signal is sent, consuming it.
func (s *Signal) Wait() {
	_, _ = s.flag.Wait(1, WaitOrClear, WaitForever)
}

// WaitTimed blocks until the signal is sent or the budget expires,
// consuming the signal on success.
func (s *Signal) WaitTimed(timeout time.Duration) error {
	_, err := s.flag.Wait(1, WaitOrClear, timeout)
	return err
}
