// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyslot.
//
// go-keyslot is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package keyslot

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for a malformed key or salt size, a nil
	// device, or when removal is requested for a key that is not resident in
	// any table.
	ErrInvalidArgument = errors.New("keyslot: invalid argument")

	// ErrWouldBlock is returned from the non-blocking admission path when the
	// request cannot complete without waiting or issuing a hardware call.
	// Retry from a context that may block.
	ErrWouldBlock = errors.New("keyslot: operation would block")

	// ErrBusy is returned from the blocking admission path when every entry is
	// either borrowed or mid-transition and nothing can be evicted.
	// Retry after a short delay.
	ErrBusy = errors.New("keyslot: all slots busy")

	// ErrCancelled is returned when a blocking wait is aborted by context
	// cancellation before the entry became available.
	ErrCancelled = errors.New("keyslot: wait cancelled")

	// ErrNotReady is returned when the cache is used before construction or
	// after it has been closed. This is a programming error.
	ErrNotReady = errors.New("keyslot: cache not ready")

	// ErrHardware is the sentinel matched by every *HardwareError.
	ErrHardware = errors.New("keyslot: hardware failure")

	// ErrDeviceExists is returned when a table is constructed twice for the
	// same device number.
	ErrDeviceExists = errors.New("keyslot: device already registered")

	// ErrDeviceNotFound is returned when no table is registered for a device.
	ErrDeviceNotFound = errors.New("keyslot: device not registered")
)

// Hardware operation names carried by HardwareError.
const (
	OpProgram    = "program"
	OpInvalidate = "invalidate"
)

// HardwareError reports a rejected program or invalidate request from the
// hardware collaborator. It matches ErrHardware with errors.Is and unwraps to
// the collaborator's own error.
type HardwareError struct {
	Op   string
	Slot int
	Err  error
}

// Error implements the error interface.
func (e *HardwareError) Error() string {
	return fmt.Sprintf("keyslot: hardware %s failed for slot %d: %v", e.Op, e.Slot, e.Err)
}

// Unwrap returns the underlying collaborator error.
func (e *HardwareError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrHardware.
func (e *HardwareError) Is(target error) bool {
	return target == ErrHardware
}

// cancelled wraps a context error so that both ErrCancelled and the context
// error match.
func cancelled(ctxErr error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
}

// IsRetryable reports whether err asks the caller to try again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrBusy)
}

// IsTerminal reports whether err is final for the specific request that
// produced it.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrHardware) || errors.Is(err, ErrInvalidArgument)
}
