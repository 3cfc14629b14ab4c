// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evq

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the operation cannot proceed within its wait
// budget.
//
// For Enqueue: the queue stayed full (backpressure)
// For Dequeue and pool Get: nothing became available in time
//
// ErrWouldBlock is a control flow signal, not a failure. The caller should
// retry later (with backoff or yield) rather than propagating the error.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrShuttingDown indicates a submission was rejected because the target
// is being destroyed. No callback will run for a rejected submission.
var ErrShuttingDown = errors.New("evq: shutting down")

// ErrConfig indicates a construction-time configuration mismatch that the
// caller can correct. Programmer errors (nil callbacks, out-of-range
// indices, corrupted pool blocks) panic instead: they indicate mis-wiring
// that would poison downstream state.
var ErrConfig = errors.New("evq: invalid configuration")

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Returns true for nil or ErrWouldBlock.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}
