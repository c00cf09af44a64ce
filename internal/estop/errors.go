// SPDX-License-Identifier: MIT

package estop

import "errors"

var (
	// ErrInitialization indicates catalog or transport setup failed; the
	// subsystem remains uninitialized.
	ErrInitialization = errors.New("emergency stop initialization failed")

	// ErrBroadcast indicates the stop command could not be delivered on a
	// transport. It is recovered locally; the controller still settles in
	// the stopped state.
	ErrBroadcast = errors.New("stop broadcast failed")

	// ErrRecoveryTimeout indicates step execution exceeded the recovery
	// deadline.
	ErrRecoveryTimeout = errors.New("recovery timeout exceeded")

	// ErrInvalidTransition indicates a reset was requested while the
	// controller was not eligible for recovery.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrClosed indicates the controller has been shut down.
	ErrClosed = errors.New("controller closed")
)
