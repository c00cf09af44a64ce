// SPDX-License-Identifier: MIT

package daemon

import "errors"

var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("daemon already started")

	// ErrNotStarted indicates Shutdown was called before Start.
	ErrNotStarted = errors.New("daemon not started")
)
