// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"github.com/rs/zerolog"
)

// SendStatus is the outcome reported to a tx completion callback.
type SendStatus int

const (
	// SendSuccess: the write callback consumed exactly the requested
	// number of bytes.
	SendSuccess SendStatus = iota
	// SendMessageFail: the write callback timed out or wrote short.
	SendMessageFail
	// InterfaceInError: the stream owner flagged the interface as
	// broken; the write callback was not invoked.
	InterfaceInError
)

func (s SendStatus) String() string {
	switch s {
	case SendSuccess:
		return "SendSuccess"
	case SendMessageFail:
		return "SendMessageFail"
	case InterfaceInError:
		return "InterfaceInError"
	default:
		return "Unknown"
	}
}

// Stream lifecycle states, per instance and per rx/tx side.
const (
	streamUninitialized int32 = iota
	streamInitializing
	streamInitialized
	streamUninitializing
)

func streamStateName(s int32) string {
	switch s {
	case streamUninitialized:
		return "Uninitialized"
	case streamInitializing:
		return "Initializing"
	case streamInitialized:
		return "Initialized"
	case streamUninitializing:
		return "Uninitializing"
	default:
		return "Unknown"
	}
}

// Event flag bits used by Start/Stop rendezvous.
const (
	streamStartedFlag uint32 = 1 << 0
	streamStoppedFlag uint32 = 1 << 1
)

// streamLifecycleWait bounds how long Start/Stop wait for the worker
// actions to complete before declaring the stream wedged.
const streamLifecycleWait = 4 * time.Second

// ReadFunc is a blocking read returning one framed message into buf.
// It returns the number of bytes written into buf; 0 means no message
// arrived within the timeout.
type ReadFunc func(s *Stream, buf []byte, timeout time.Duration) int

// WriteFunc is a blocking write of one framed message. It returns the
// number of bytes consumed; anything short of len(buf) is a failure.
type WriteFunc func(s *Stream, buf []byte, timeout time.Duration) int

// RxCallback is invoked on the rx worker for each received message.
// The message buffer returns to the rx pool when the callback returns;
// a callback that needs it longer must RetainRxBuffer it and later
// ReleaseRxBuffer it.
type RxCallback func(s *Stream, msg *RxMessage, n int)

// TxCompletion reports the outcome of one SendBuffer. It runs on the tx
// worker; the token is released right after it returns.
type TxCompletion func(token TxToken, status SendStatus, written int, private any)

// RxMessage is one pooled receive buffer.
type RxMessage struct {
	data []byte
	n    int
	ref  Ref[RxMessage]
}

// Bytes returns the received payload.
func (m *RxMessage) Bytes() []byte {
	return m.data[:m.n]
}

// Buffer returns the full underlying buffer.
func (m *RxMessage) Buffer() []byte {
	return m.data
}

// txRequest is one pooled transmit record: the request header followed
// by the payload buffer.
type txRequest struct {
	size       int
	completion TxCompletion
	private    any
	offset     int
	buf        []byte
}

// TxToken is a handle to a pooled transmit record, obtained from
// AllocateTxToken and consumed by SendBuffer (or discarded with
// ReleaseTxToken).
type TxToken struct {
	ref Ref[txRequest]
}

// Valid reports whether the token refers to a record.
func (t TxToken) Valid() bool {
	return t.ref.s != nil
}

// DataBuffer returns the token's payload area. The caller writes the
// outgoing message here before SendBuffer.
func (t TxToken) DataBuffer() []byte {
	req := t.ref.Value()
	return req.buf[req.offset:]
}

// PoolSpec sizes one side's buffer pool.
type PoolSpec struct {
	Count int
	Size  int
}

// StreamParams configures a [Stream]. Either side may be omitted by
// leaving its callbacks and worker nil; at least one side is required.
// Read and RxCallback are all-or-none, and Read needs an RxWorker; an
// RxWorker given without Read is ignored.
type StreamParams struct {
	// Name labels the stream in diagnostics.
	Name string
	// Read blocks for one inbound message. Nil disables rx.
	Read ReadFunc
	// Write blocks to send one outbound message. Nil disables tx.
	Write WriteFunc
	// RxCallback receives each inbound message. Required iff Read.
	RxCallback RxCallback
	// RxWorker drives the receive loop. Required iff Read.
	RxWorker *DispatchQueue
	// TxWorker drives transmissions. Required iff Write.
	TxWorker *DispatchQueue
	// RxPool sizes the receive buffer pool.
	RxPool PoolSpec
	// TxPoolCount sizes the transmit record pool.
	TxPoolCount int
	// TxChunkMax bounds the payload of one SendBuffer.
	TxChunkMax int
	// TxWriteTimeout is handed to Write for each transmission.
	TxWriteTimeout time.Duration
	// TxPayloadOffset reserves leading bytes in each tx buffer ahead of
	// the payload area. Write receives only the payload bytes, not the
	// reserved region.
	TxPayloadOffset int
	// ClientData is an opaque pointer retrievable via PrivateData.
	ClientData any
	// Logger receives lifecycle diagnostics. Zero value is disabled.
	Logger zerolog.Logger
}

// rxContext is the receive side: worker, buffer pool and lifecycle.
type rxContext struct {
	worker    *DispatchQueue
	pool      *Pool[RxMessage]
	poolCount int
	poolSize  int
	callback  RxCallback
	state     atomix.Int32
}

// txContext is the transmit side: worker, record pool and lifecycle.
type txContext struct {
	worker        *DispatchQueue
	pool          *Pool[txRequest]
	poolCount     int
	chunkMax      int
	writeTimeout  time.Duration
	payloadOffset int
	state         atomix.Int32
}

// Stream frames variable-length messages over a blocking read/write
// callback pair, with an rx worker delivering inbound messages and a tx
// worker draining send tokens. Both workers are dispatch queues owned
// by the caller; the stream only borrows them.
//
// The two sides share no mutable state beyond the lifecycle atomics and
// the error flag, so rx and tx proceed fully in parallel.
type Stream struct {
	name       string
	read       ReadFunc
	write      WriteFunc
	rx         rxContext
	tx         txContext
	flag       EventFlag
	inError    atomix.Bool
	stopped    atomix.Bool
	state      atomix.Int32
	clientData any
	log        zerolog.Logger
}

// NewStream validates the wiring and prepares both sides. The stream
// starts Uninitialized; no pool exists and no worker action runs until
// Start.
func NewStream(params StreamParams) *Stream {
	hasRx := params.Read != nil
	hasTx := params.Write != nil
	if !hasRx && !hasTx {
		panic("evq: stream needs a read or a write callback")
	}
	if hasRx != (params.RxCallback != nil) {
		panic("evq: stream read callback and rx callback are all-or-none")
	}
	if hasRx && params.RxWorker == nil {
		panic("evq: stream rx side needs a dispatch queue")
	}
	if hasTx && params.TxWorker == nil {
		panic("evq: stream tx side needs a dispatch queue")
	}
	if hasRx && (params.RxPool.Count < 1 || params.RxPool.Size < 1) {
		panic("evq: stream rx pool must be sized")
	}
	if hasTx && (params.TxPoolCount < 1 || params.TxChunkMax < 1) {
		panic("evq: stream tx pool must be sized")
	}
	if params.TxPayloadOffset < 0 {
		panic("evq: stream tx payload offset must be >= 0")
	}

	s := &Stream{
		name:       params.Name,
		read:       params.Read,
		write:      params.Write,
		clientData: params.ClientData,
		log:        params.Logger.With().Str("stream", params.Name).Logger(),
	}
	s.stopped.Store(true)
	if hasRx {
		s.rx.worker = params.RxWorker
		s.rx.poolCount = params.RxPool.Count
		s.rx.poolSize = params.RxPool.Size
		s.rx.callback = params.RxCallback
	}
	if hasTx {
		s.tx.worker = params.TxWorker
		s.tx.poolCount = params.TxPoolCount
		s.tx.chunkMax = params.TxChunkMax
		s.tx.writeTimeout = params.TxWriteTimeout
		s.tx.payloadOffset = params.TxPayloadOffset
	}
	return s
}

// Name returns the stream's diagnostic name.
func (s *Stream) Name() string {
	return s.name
}

// PrivateData returns the opaque client pointer supplied at creation.
func (s *Stream) PrivateData() any {
	return s.clientData
}

// SetInError flags the interface broken (or repaired) out-of-band.
// While in error, tx completions report InterfaceInError without
// touching the write callback.
func (s *Stream) SetInError(broken bool) {
	s.inError.StoreRelease(broken)
}

// InError reports the owner-set error flag.
func (s *Stream) InError() bool {
	return s.inError.LoadAcquire()
}

// Start brings both present sides up and blocks until they are.
//
// Each side's pool is created by a starter action on that side's own
// worker, so buffer memory is owned by the goroutine that will use it.
// Returns false if the stream is not currently Uninitialized. Panics if
// the sides fail to come up within the lifecycle bound — a stuck
// starter means a wedged worker, which nothing downstream can repair.
func (s *Stream) Start() bool {
	if !s.state.CompareAndSwapAcqRel(streamUninitialized, streamInitializing) {
		s.log.Debug().Str("state", streamStateName(s.state.LoadAcquire())).Msg("start rejected")
		return false
	}
	s.flag.Clear(streamStartedFlag)
	if s.rx.worker != nil {
		s.rx.state.StoreRelease(streamInitializing)
		s.rx.worker.Async(s.rxStarter, nil, nil)
	}
	if s.tx.worker != nil {
		s.tx.state.StoreRelease(streamInitializing)
		s.tx.worker.Async(s.txStarter, nil, nil)
	}
	s.stopped.StoreRelease(false)
	if _, err := s.flag.Wait(streamStartedFlag, WaitOr, streamLifecycleWait); err != nil {
		panic("evq: stream failed to start: worker wedged")
	}
	s.log.Debug().Msg("started")
	return true
}

// rxStarter runs on the rx worker: build the rx pool, mark the side up,
// kick off the receive loop.
func (s *Stream) rxStarter(_, _ any) {
	size := s.rx.poolSize
	s.rx.pool = NewPool(PoolParams[RxMessage]{
		Capacity: s.rx.poolCount,
		New:      func() RxMessage { return RxMessage{data: make([]byte, size)} },
		Logger:   s.log,
	})
	s.rx.state.StoreRelease(streamInitialized)
	s.rx.worker.Async(s.rxLoop, nil, nil)
	s.triggerStartCompletion()
}

// txStarter runs on the tx worker: build the tx record pool and mark
// the side up.
func (s *Stream) txStarter(_, _ any) {
	bufLen := s.tx.payloadOffset + s.tx.chunkMax
	offset := s.tx.payloadOffset
	s.tx.pool = NewPool(PoolParams[txRequest]{
		Capacity: s.tx.poolCount,
		New:      func() txRequest { return txRequest{offset: offset, buf: make([]byte, bufLen)} },
		Logger:   s.log,
	})
	s.tx.state.StoreRelease(streamInitialized)
	s.triggerStartCompletion()
}

// triggerStartCompletion marks the instance Initialized and releases
// the Start waiter once every present side is up. Runs on whichever
// side's worker finished last.
func (s *Stream) triggerStartCompletion() {
	if (s.rx.worker == nil || s.rx.state.LoadAcquire() == streamInitialized) &&
		(s.tx.worker == nil || s.tx.state.LoadAcquire() == streamInitialized) {
		s.state.StoreRelease(streamInitialized)
		s.flag.Send(streamStartedFlag)
	}
}

// Stop tears both sides down and blocks until they are. Safe against a
// concurrent Start: a stream caught mid-initialization is waited out
// before the teardown CAS. A stream that is not running is left alone.
func (s *Stream) Stop() {
	sw := spin.Wait{}
	for {
		if s.state.CompareAndSwapAcqRel(streamInitialized, streamUninitializing) {
			break
		}
		if s.state.LoadAcquire() != streamInitializing {
			s.log.Debug().Str("state", streamStateName(s.state.LoadAcquire())).Msg("stop rejected")
			return
		}
		// A concurrent Start is mid-flight; let it finish.
		sw.Once()
	}
	s.flag.Clear(streamStoppedFlag)
	s.stopped.StoreRelease(true)
	if s.rx.worker != nil && s.rx.state.CompareAndSwapAcqRel(streamInitialized, streamUninitializing) {
		s.rx.worker.Async(s.rxFinisher, nil, nil)
	}
	if s.tx.worker != nil && s.tx.state.CompareAndSwapAcqRel(streamInitialized, streamUninitializing) {
		s.tx.worker.Async(s.txFinisher, nil, nil)
	}
	if _, err := s.flag.Wait(streamStoppedFlag, WaitOr, streamLifecycleWait); err != nil {
		panic("evq: stream failed to stop: worker wedged")
	}
	s.log.Debug().Msg("stopped")
}

// rxFinisher runs on the rx worker, after any in-flight rx loop pass.
func (s *Stream) rxFinisher(_, _ any) {
	if s.rx.state.CompareAndSwapAcqRel(streamUninitializing, streamUninitialized) {
		s.rx.pool.Destroy()
		s.rx.pool = nil
	}
	s.triggerStopCompletion()
}

// txFinisher runs on the tx worker, after any in-flight transmissions.
func (s *Stream) txFinisher(_, _ any) {
	if s.tx.state.CompareAndSwapAcqRel(streamUninitializing, streamUninitialized) {
		s.tx.pool.Destroy()
		s.tx.pool = nil
	}
	s.triggerStopCompletion()
}

// triggerStopCompletion marks the instance Uninitialized and releases
// the Stop waiter once both sides are down.
func (s *Stream) triggerStopCompletion() {
	if s.rx.state.LoadAcquire() == streamUninitialized &&
		s.tx.state.LoadAcquire() == streamUninitialized {
		s.state.StoreRelease(streamUninitialized)
		s.flag.Send(streamStoppedFlag)
	}
}

// Destroy stops the stream if running. The borrowed dispatch queues are
// the caller's to destroy.
func (s *Stream) Destroy() {
	s.Stop()
}

// rxLoop is one pass of the receive loop. It re-dispatches itself onto
// the rx worker after every pass, which keeps the worker responsive to
// the lifecycle actions interleaved on the same queue; the loop ends
// when the rx side leaves Initialized.
func (s *Stream) rxLoop(_, _ any) {
	if s.rx.state.LoadAcquire() != streamInitialized {
		return
	}
	ref, err := s.rx.pool.Get()
	if err != nil {
		// Every buffer is held by the client; back off and retry.
		time.Sleep(10 * time.Millisecond)
		s.rx.worker.Async(s.rxLoop, nil, nil)
		return
	}
	msg := ref.Value()
	msg.ref = ref
	n := s.read(s, msg.data, time.Second)
	if n > 0 {
		msg.n = n
		s.rx.callback(s, msg, n)
	} else {
		time.Sleep(2 * time.Millisecond)
	}
	ref.Release()
	s.rx.worker.Async(s.rxLoop, nil, nil)
}

// RetainRxBuffer keeps a received message alive beyond the rx callback.
func (s *Stream) RetainRxBuffer(msg *RxMessage) {
	msg.ref.Retain()
}

// ReleaseRxBuffer returns a retained message to the rx pool.
func (s *Stream) ReleaseRxBuffer(msg *RxMessage) {
	msg.ref.Release()
}

// AllocateTxToken takes a transmit record from the tx pool. Fails with
// ErrShuttingDown when the tx side is not up, ErrWouldBlock when every
// record is in flight.
func (s *Stream) AllocateTxToken() (TxToken, error) {
	if s.tx.state.LoadAcquire() != streamInitialized {
		return TxToken{}, ErrShuttingDown
	}
	ref, err := s.tx.pool.Get()
	if err != nil {
		return TxToken{}, err
	}
	req := ref.Value()
	req.size = 0
	req.completion = nil
	req.private = nil
	req.offset = s.tx.payloadOffset
	return TxToken{ref: ref}, nil
}

// ReleaseTxToken discards a token without sending it.
func (s *Stream) ReleaseTxToken(token TxToken) {
	if !token.Valid() {
		return
	}
	if s.tx.state.LoadAcquire() == streamInitialized {
		token.ref.Release()
	}
}

// TxTokenMaxDataSize returns the usable payload capacity of a token.
func (s *Stream) TxTokenMaxDataSize() int {
	return s.tx.chunkMax
}

// SendBuffer queues the token's first size payload bytes for
// transmission. The completion (optional) fires exactly once on the tx
// worker; the token is consumed either way. Returns false — without
// consuming the token — if the stream is stopped or size is out of
// range (0 < size < TxChunkMax).
func (s *Stream) SendBuffer(token TxToken, size int, completion TxCompletion, private any) bool {
	if !token.Valid() || s.stopped.LoadAcquire() ||
		s.tx.state.LoadAcquire() != streamInitialized ||
		size <= 0 || size >= s.tx.chunkMax {
		return false
	}
	req := token.ref.Value()
	req.size = size
	req.completion = completion
	req.private = private
	return s.tx.worker.Async(s.txAction, token, nil)
}

// txAction runs one transmission on the tx worker, reports the outcome
// to the completion and releases the record. A send that reaches the
// worker after the stream left Initialized is not written and reports
// SendMessageFail.
func (s *Stream) txAction(arg1, _ any) {
	token := arg1.(TxToken)
	req := token.ref.Value()
	status := SendMessageFail
	written := 0
	if s.inError.LoadAcquire() {
		status = InterfaceInError
	} else if s.state.LoadAcquire() == streamInitialized {
		payload := req.buf[req.offset : req.offset+req.size]
		written = s.write(s, payload, s.tx.writeTimeout)
		if written == req.size {
			status = SendSuccess
		} else {
			s.log.Error().Int("written", written).Int("size", req.size).Msg("short write")
		}
	}
	if req.completion != nil {
		req.completion(token, status, written, req.private)
	}
	token.ref.Release()
}
