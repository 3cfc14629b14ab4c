// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package evq provides the concurrency substrate for event-driven
// services: reference-counted block pools, a bounded blocking queue, a
// serial dispatch worker, an observer notifier, a finite state machine
// engine, the state-event loop that composes them, and a framed
// asynchronous stream transport.
//
// All storage is fixed at construction. Pools, queues, dispatch rings
// and registration tables are sized once and never grow; exhaustion is
// backpressure, reported to the caller or treated as a sizing bug,
// never absorbed by hidden allocation.
//
// # Quick Start
//
// A dispatch queue serializes work onto one goroutine:
//
//	dq := evq.NewDispatchQueue(evq.DispatchQueueParams{Capacity: 64, Label: "io"})
//	dq.Async(func(a1, a2 any) { fmt.Println(a1) }, "hello", nil)
//	dq.Destroy() // drains accepted work, then stops the worker
//
// A pool hands out counted references to fixed blocks:
//
//	p := evq.NewPool(evq.PoolParams[Frame]{Capacity: 16})
//	ref, err := p.Get()
//	if err != nil {
//	    // pool empty: backpressure
//	}
//	ref.Retain()  // second holder
//	ref.Release() // first holder done
//	ref.Release() // destructor (if any) runs, block returns to pool
//
// # The State-Event Loop
//
// Loop is the canonical composition: producers post events from any
// goroutine; a single worker drains them through every state machine,
// then fans out to registered observers, then recycles the event:
//
//	loop, err := evq.NewLoop(evq.LoopParams[MyPayload]{
//	    Name:             "app",
//	    Machines:         []evq.MachineSpec{{Name: "conn", StartStateID: StateIdle}},
//	    QueueCapacity:    32,
//	    MaxRegistrations: 8,
//	    Categories:       int(EventCount),
//	    Deliver:          deliverToObserver,
//	})
//	loop.AddState(&idleState, 0)
//	loop.Start()
//	loop.Post(int(EventConnected), &evq.Event[MyPayload]{Data: payload})
//
// Everything an event touches — pre-processor, machine handlers,
// transitions, observer delivery — runs on the loop's worker, so none
// of it needs locking.
//
// # Streams
//
// Stream frames messages over any blocking read/write pair. The rx
// worker loops reads into pooled buffers and hands each message to the
// rx callback; the tx worker drains send tokens and reports each
// outcome on a completion callback:
//
//	st := evq.NewStream(evq.StreamParams{
//	    Name: "serial0",
//	    Read: readFrame, Write: writeFrame, RxCallback: onFrame,
//	    RxWorker: rxq, TxWorker: txq,
//	    RxPool: evq.PoolSpec{Count: 8, Size: 512},
//	    TxPoolCount: 8, TxChunkMax: 512,
//	    TxWriteTimeout: time.Second,
//	})
//	st.Start()
//	tok, _ := st.AllocateTxToken()
//	n := copy(tok.DataBuffer(), msg)
//	st.SendBuffer(tok, n, onSent, nil)
//
// # Error Handling
//
// Failures split along the lines that matter at runtime:
//
//   - Backpressure and timeouts return [ErrWouldBlock] (an alias of
//     iox.ErrWouldBlock; classify with [IsWouldBlock]).
//   - Submissions to a dying component report rejection (false or
//     [ErrShuttingDown]).
//   - Construction mismatches return [ErrConfig].
//   - Programmer errors — nil callbacks, out-of-range indices,
//     over-released or corrupted pool blocks, wedged lifecycle waits —
//     panic. They indicate mis-wiring that would silently poison
//     downstream state.
//
// # Logging
//
// Every component takes a zerolog.Logger in its Params. The zero value
// disables logging; pass a configured logger to see lifecycle
// transitions at debug level.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit
// memory ordering, and [code.hybscloud.com/spin] for CPU pause
// instructions in lifecycle races.
package evq
