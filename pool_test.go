// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"

	"code.hybscloud.com/evq"
)

type block64 struct {
	payload [64]byte
}

// =============================================================================
// Pool - Round Trip
// =============================================================================

// TestPoolRoundTrip drains a 16-block pool, exercises retain/release on
// one block and checks the destructor fires exactly once on the final
// release.
func TestPoolRoundTrip(t *testing.T) {
	p := evq.NewPool(evq.PoolParams[block64]{Capacity: 16})

	if p.Cap() != 16 {
		t.Fatalf("Cap: got %d, want 16", p.Cap())
	}

	refs := make([]evq.Ref[block64], 0, 16)
	for i := range 16 {
		ref, err := p.Get()
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		refs = append(refs, ref)
	}
	if p.Live() != 16 {
		t.Fatalf("Live: got %d, want 16", p.Live())
	}

	// 17th allocation fails non-blocking
	if _, err := p.Get(); !errors.Is(err, evq.ErrWouldBlock) {
		t.Fatalf("Get on empty pool: got %v, want ErrWouldBlock", err)
	}

	// Retain block #5 once, install a destructor, release twice.
	var dtorRuns atomix.Int64
	refs[5].SetDestructor(func(v *block64, ctx any) {
		dtorRuns.Add(1)
	}, nil)
	refs[5].Retain()

	refs[5].Release() // 2 -> 1
	if dtorRuns.Load() != 0 {
		t.Fatalf("destructor ran before final release")
	}
	if _, err := p.Get(); !errors.Is(err, evq.ErrWouldBlock) {
		t.Fatalf("block returned to pool while still referenced")
	}

	refs[5].Release() // 1 -> 0, destructor, back on free queue
	if got := dtorRuns.Load(); got != 1 {
		t.Fatalf("destructor runs: got %d, want 1", got)
	}

	ref, err := p.Get()
	if err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	ref.Release()

	for i, r := range refs {
		if i == 5 {
			continue
		}
		r.Release()
	}
	if p.Live() != 0 {
		t.Fatalf("Live at quiescence: got %d, want 0", p.Live())
	}
}

func TestPoolGetWaitTimeout(t *testing.T) {
	p := evq.NewPool(evq.PoolParams[int]{Capacity: 1})

	ref, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	start := time.Now()
	if _, err := p.GetWait(30*time.Millisecond, nil, nil); !errors.Is(err, evq.ErrWouldBlock) {
		t.Fatalf("GetWait on empty: got %v, want ErrWouldBlock", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("GetWait returned too early: %v", elapsed)
	}

	// A release unblocks a waiting Get.
	go func() {
		time.Sleep(20 * time.Millisecond)
		ref.Release()
	}()
	ref2, err := p.GetWait(2*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("GetWait: %v", err)
	}
	ref2.Release()
}

// TestPoolDefaultDestructor checks the pool-wide destructor installs on
// every allocation unless overridden.
func TestPoolDefaultDestructor(t *testing.T) {
	var defaultRuns, overrideRuns atomix.Int64
	p := evq.NewPool(evq.PoolParams[int]{
		Capacity:   2,
		Destructor: func(v *int, ctx any) { defaultRuns.Add(1) },
	})

	ref, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ref.Release()
	if defaultRuns.Load() != 1 {
		t.Fatalf("default destructor runs: got %d, want 1", defaultRuns.Load())
	}

	ref, err = p.GetWait(evq.NoWait, func(v *int, ctx any) { overrideRuns.Add(1) }, nil)
	if err != nil {
		t.Fatalf("GetWait: %v", err)
	}
	ref.Release()
	if defaultRuns.Load() != 1 || overrideRuns.Load() != 1 {
		t.Fatalf("override destructor: default=%d override=%d, want 1/1",
			defaultRuns.Load(), overrideRuns.Load())
	}
}

// TestPoolDestructorContext checks the installed context reaches the
// destructor and that a fresh allocation of the same block does not
// inherit the previous destructor.
func TestPoolDestructorContext(t *testing.T) {
	p := evq.NewPool(evq.PoolParams[int]{Capacity: 1})

	var got any
	ref, err := p.GetWait(evq.NoWait, func(v *int, ctx any) { got = ctx }, "ctx-value")
	if err != nil {
		t.Fatalf("GetWait: %v", err)
	}
	ref.Release()
	if got != "ctx-value" {
		t.Fatalf("destructor ctx: got %v, want ctx-value", got)
	}

	// The same block, re-allocated without a destructor, must not
	// re-run the old one.
	got = nil
	ref, err = p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ref.Release()
	if got != nil {
		t.Fatalf("stale destructor ran on re-allocated block")
	}
}

func TestPoolNewInitializer(t *testing.T) {
	p := evq.NewPool(evq.PoolParams[[]byte]{
		Capacity: 4,
		New:      func() []byte { return make([]byte, 128) },
	})
	ref, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if buf := *ref.Value(); len(buf) != 128 {
		t.Fatalf("initialized buffer length: got %d, want 128", len(buf))
	}
	ref.Release()
}

func TestPoolOverReleasePanics(t *testing.T) {
	p := evq.NewPool(evq.PoolParams[int]{Capacity: 2})
	ref, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ref.Release()
	defer func() {
		if recover() == nil {
			t.Fatalf("second Release: expected panic")
		}
	}()
	ref.Release()
}

// =============================================================================
// Pool - Concurrency
// =============================================================================

// TestPoolRefcountIntegrity runs balanced get/retain/release pairs
// across goroutines and checks the pool is whole at quiescence: live
// count in [0, N] throughout, everything back on the free queue at the
// end, and one destructor run per allocation.
func TestPoolRefcountIntegrity(t *testing.T) {
	const capacity = 8
	const workers = 8
	rounds := 5000
	if evq.RaceEnabled {
		rounds = 500
	}

	var dtorRuns, allocs atomix.Int64
	p := evq.NewPool(evq.PoolParams[int]{
		Capacity:   capacity,
		Destructor: func(v *int, ctx any) { dtorRuns.Add(1) },
	})

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				ref, err := p.GetWait(50*time.Millisecond, nil, nil)
				if err != nil {
					continue
				}
				allocs.Add(1)
				ref.Retain()
				ref.Release()
				if live := p.Live(); live < 0 || live > capacity {
					t.Errorf("live count out of range: %d", live)
					ref.Release()
					return
				}
				ref.Release()
			}
		}()
	}
	wg.Wait()

	if p.Live() != 0 {
		t.Fatalf("Live at quiescence: got %d, want 0", p.Live())
	}
	if dtorRuns.Load() != allocs.Load() {
		t.Fatalf("destructor runs %d != allocations %d", dtorRuns.Load(), allocs.Load())
	}

	// Every block must be individually re-allocatable.
	refs := make([]evq.Ref[int], 0, capacity)
	for range capacity {
		ref, err := p.Get()
		if err != nil {
			t.Fatalf("pool lost a block: %v", err)
		}
		refs = append(refs, ref)
	}
	for _, r := range refs {
		r.Release()
	}
}

// TestPoolDestructorBeforeReallocation checks the 1->0 destructor
// completes before the block can be observed by a new allocation.
func TestPoolDestructorBeforeReallocation(t *testing.T) {
	const capacity = 1
	rounds := 20000
	if evq.RaceEnabled {
		rounds = 2000
	}

	var inDtor atomix.Int32
	var violations atomix.Int64
	p := evq.NewPool(evq.PoolParams[int]{
		Capacity: capacity,
		Destructor: func(v *int, ctx any) {
			inDtor.Store(1)
			inDtor.Store(0)
		},
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				ref, err := p.GetWait(100*time.Millisecond, nil, nil)
				if err != nil {
					continue
				}
				if inDtor.Load() != 0 {
					violations.Add(1)
				}
				ref.Release()
			}
		}()
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Fatalf("allocation observed a block mid-destruction %d times", violations.Load())
	}
}
