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

import "fmt"

// State is the lifecycle state of a cache entry.
type State int

const (
	// StateFree holds no key.
	StateFree State = iota
	// StateLoading is owned by a caller whose program call is in flight.
	StateLoading
	// StateLoaded holds a resident key with active borrowers.
	StateLoaded
	// StateInvalidating is owned by a caller whose invalidate call is in flight.
	StateInvalidating
	// StateIdle holds a resident key with no borrowers. It may be reused or evicted.
	StateIdle
	// StateHardwareError records a failed program call until the next admission.
	StateHardwareError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateInvalidating:
		return "invalidating"
	case StateIdle:
		return "idle"
	case StateHardwareError:
		return "hardware_error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Busy reports whether another caller owns the entry's pending hardware call.
func (s State) Busy() bool {
	return s == StateLoading || s == StateInvalidating
}

// Entry is one hardware slot's cache line. All fields are guarded by the
// cache lock.
type Entry struct {
	material  Material
	slot      int
	lastUsed  uint64
	state     State
	borrowers int
	err       error

	// wake is closed to release every waiter; nil when nobody waits.
	wake chan struct{}

	// gen changes whenever the entry is forcibly reset, so an in-flight
	// hardware call can tell its result is stale.
	gen uint64
}

// Slot returns the permanent hardware slot index. It is the only accessor
// safe without the cache lock; use Cache.Snapshot to observe state.
func (e *Entry) Slot() int { return e.slot }

// available reports whether an invalidation may start on the entry.
func (e *Entry) available() bool {
	return e.state == StateFree || e.state == StateIdle || e.state == StateHardwareError
}

// reset wipes the key material and returns the entry to Free.
func (e *Entry) reset() {
	e.material.Zeroize()
	e.lastUsed = 0
	e.err = nil
	e.borrowers = 0
	e.state = StateFree
}

// notify wakes every caller waiting on the entry.
func (e *Entry) notify() {
	if e.wake != nil {
		close(e.wake)
		e.wake = nil
	}
}
