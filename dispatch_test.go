// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq_test

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/evq"
)

// =============================================================================
// DispatchQueue - Ordering and Shutdown
// =============================================================================

// TestDispatchOrder submits sixteen closures that append their index to
// a shared slice; after Destroy the slice must read 0..15.
func TestDispatchOrder(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 16, Label: "order"})

	var mu sync.Mutex
	var order []int
	for i := range 16 {
		ok := dq.Async(func(a1, _ any) {
			mu.Lock()
			order = append(order, a1.(int))
			mu.Unlock()
		}, i, nil)
		require.True(t, ok, "Async(%d) rejected", i)
	}

	dq.Destroy()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 16)
	for i, got := range order {
		assert.Equal(t, i, got, "execution order at %d", i)
	}
}

// TestDispatchShutdown checks that Destroy drains accepted work, that
// no callback runs afterwards, and that later submissions are refused.
func TestDispatchShutdown(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 8, Label: "shutdown"})

	var ran atomix.Int64
	for range 8 {
		require.True(t, dq.Async(func(_, _ any) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}, nil, nil))
	}

	dq.Destroy()
	require.EqualValues(t, 8, ran.Load(), "Destroy must drain accepted work")

	require.False(t, dq.Async(func(_, _ any) { ran.Add(1) }, nil, nil),
		"Async after Destroy must be rejected")
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 8, ran.Load(), "no callback may run after Destroy")

	// Second Destroy is a no-op.
	dq.Destroy()
}

func TestDispatchArgsPassThrough(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 4, Label: "args"})
	defer dq.Destroy()

	type payload struct{ v int }
	p1, p2 := &payload{1}, &payload{2}
	done := make(chan struct{})
	dq.Async(func(a1, a2 any) {
		assert.Same(t, p1, a1)
		assert.Same(t, p2, a2)
		close(done)
	}, p1, p2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

// TestDispatchSubmitFromCallback checks the worker can feed its own
// queue, which the asyncio receive loop depends on.
func TestDispatchSubmitFromCallback(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 4, Label: "redispatch"})
	defer dq.Destroy()

	var hops atomix.Int64
	done := make(chan struct{})
	var hop evq.DispatchFunc
	hop = func(a1, _ any) {
		n := a1.(int)
		if n == 0 {
			close(done)
			return
		}
		hops.Add(1)
		dq.Async(hop, n-1, nil)
	}
	dq.Async(hop, 10, nil)

	select {
	case <-done:
		require.EqualValues(t, 10, hops.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("re-dispatch chain never finished")
	}
}

// =============================================================================
// DispatchQueue - Timed Actions
// =============================================================================

func TestDispatchAfter(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 4, Label: "after"})
	defer dq.Destroy()

	fired := make(chan time.Time, 1)
	start := time.Now()
	require.True(t, dq.After(30*time.Millisecond, func(_, _ any) {
		fired <- time.Now()
	}, nil, nil))

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 25*time.Millisecond, "fired early")
	case <-time.After(2 * time.Second):
		t.Fatal("After never fired")
	}
}

func TestDispatchAfterZeroDelay(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 4, Label: "after0"})
	defer dq.Destroy()

	fired := make(chan struct{})
	require.True(t, dq.After(0, func(_, _ any) { close(fired) }, nil, nil))
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate After never fired")
	}
}

func TestDispatchStartRepeated(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 16, Label: "repeated"})
	defer dq.Destroy()

	var fires atomix.Int64
	h := dq.StartRepeated(10*time.Millisecond, 10*time.Millisecond, func(_, _ any) {
		fires.Add(1)
	}, nil, nil)
	require.NotNil(t, h)

	deadline := time.Now().Add(2 * time.Second)
	for fires.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d fires before deadline", fires.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Stop()
	settled := fires.Load()
	time.Sleep(50 * time.Millisecond)
	// One fire may have been in flight at Stop; none may follow it.
	assert.LessOrEqual(t, fires.Load(), settled+1, "fires continued after Stop")

	// Stopping again is safe.
	h.Stop()
	evq.StopRepeated(h)
}

func TestDispatchStartRepeatedImmediateOneShot(t *testing.T) {
	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 4, Label: "oneshot"})
	defer dq.Destroy()

	var fires atomix.Int64
	h := dq.StartRepeated(0, 0, func(_, _ any) { fires.Add(1) }, nil, nil)
	assert.Nil(t, h, "zero initial and reload is a bare immediate dispatch")

	deadline := time.Now().Add(2 * time.Second)
	for fires.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("immediate fire never happened")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, fires.Load(), "one-shot fired more than once")
}
