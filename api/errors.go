// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error values shared by the transfer pipeline, device runtimes
// and driver bindings. The benchmark has no recovery path: callers are
// expected to surface any of these and terminate the run.

package api

import "errors"

var (
	// ErrFlowAccounting indicates the flow controller's semaphore and idle
	// queue disagree. A granted permit must always correspond to an idle
	// slot; anything else is a defect in the pipeline itself.
	ErrFlowAccounting = errors.New("flow controller accounting mismatch: permit granted but no idle slot")

	// ErrTransferStatus indicates an asynchronous storage-to-device
	// transfer completed with a nonzero driver status.
	ErrTransferStatus = errors.New("async transfer completed with nonzero status")

	// ErrVerifyMismatch indicates a transferred chunk did not byte-compare
	// equal to the source file.
	ErrVerifyMismatch = errors.New("chunk verification mismatch")

	// ErrFileNotEligible indicates the privileged driver rejected the
	// source file for direct transfer.
	ErrFileNotEligible = errors.New("file not eligible for direct transfer")

	// ErrShortRead indicates the source file yielded fewer bytes than one
	// chunk where a full chunk was required.
	ErrShortRead = errors.New("short read from source file")

	// ErrRuntimeClosed indicates an operation was issued against a device
	// runtime that has already been torn down.
	ErrRuntimeClosed = errors.New("device runtime is closed")

	// ErrNotSupported indicates the requested driver or runtime is not
	// available on this platform or in this build.
	ErrNotSupported = errors.New("operation not supported on this platform")

	// ErrUnknownTask indicates a wait was issued for a transfer task the
	// driver has no record of.
	ErrUnknownTask = errors.New("unknown transfer task id")
)
