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
	"context"
	"fmt"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
)

// UseRequest describes one admission.
type UseRequest struct {
	// Key is the 32 byte data encryption key.
	Key []byte

	// Salt is the 32 byte salt (second XTS key half).
	Salt []byte

	// Device is the engine whose table is searched.
	Device *Device

	// NonBlocking marks a caller that must neither wait nor cause a
	// hardware call. Such callers receive ErrWouldBlock instead.
	NonBlocking bool

	// DataUnitSize is forwarded to the hardware with the key.
	DataUnitSize uint32
}

func (r *UseRequest) validate() error {
	if r == nil || r.Device == nil {
		return fmt.Errorf("%w: request and device are required", ErrInvalidArgument)
	}
	if err := validateMaterial(r.Key, r.Salt); err != nil {
		return fmt.Errorf("%w: key %d bytes, salt %d bytes", err, len(r.Key), len(r.Salt))
	}
	return nil
}

// BeginUse makes the request's key resident in a hardware slot of its device
// and returns the slot index. Every successful call is paired with EndUse
// once the caller stops relying on the slot.
//
// A resident key is a hit and never reaches the hardware. A miss evicts the
// first Free entry or the least recently used Idle entry and programs the key
// exactly once. A non-blocking miss returns ErrWouldBlock, and a blocking miss
// with nothing evictable returns ErrBusy. Blocking callers that find their key
// mid-transition wait for it until ctx is done.
func (c *Cache) BeginUse(ctx context.Context, req *UseRequest) (int, error) {
	if !c.IsReady() {
		return -1, ErrNotReady
	}
	if err := req.validate(); err != nil {
		c.logger.Error("rejected admission", logger.Error(err))
		return -1, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if !c.IsReady() {
			return -1, ErrNotReady
		}
		t, err := c.tableFor(req.Device)
		if err != nil {
			return -1, err
		}

		e := t.find(req.Key, req.Salt)
		hit := e != nil
		if !hit {
			if req.NonBlocking {
				c.stats.wouldBlock.Add(1)
				c.logger.Debug("miss on non-blocking path, caller will populate entry",
					logger.Int("device", t.device.Number))
				return -1, ErrWouldBlock
			}
			e = t.selectVictim()
			if e == nil {
				c.stats.busy.Add(1)
				c.logger.Debug("no evictable entry", logger.Int("device", t.device.Number))
				return -1, ErrBusy
			}
		}

		switch e.state {
		case StateLoaded:
			c.borrow(t, e, req)
			c.stats.hits.Add(1)
			return e.slot, nil

		case StateIdle:
			if hit {
				e.state = StateLoaded
				c.borrow(t, e, req)
				c.stats.hits.Add(1)
				return e.slot, nil
			}
			c.stats.evictions.Add(1)
			c.logger.Debug("evicting idle entry",
				logger.Int("device", t.device.Number),
				logger.Int("slot", e.slot),
				logger.Int64("last_used", int64(e.lastUsed)))
			c.stats.misses.Add(1)
			return c.load(ctx, t, e, req)

		case StateFree:
			c.stats.misses.Add(1)
			return c.load(ctx, t, e, req)

		case StateLoading, StateInvalidating:
			if req.NonBlocking {
				c.stats.wouldBlock.Add(1)
				return -1, ErrWouldBlock
			}
			if err := c.waitOn(ctx, e); err != nil {
				return -1, err
			}

		case StateHardwareError:
			// The failure was already reported to the caller that loaded
			// the entry. Start clean and look again.
			c.logger.Debug("resetting entry after hardware error",
				logger.Int("device", t.device.Number),
				logger.Int("slot", e.slot))
			e.gen++
			e.reset()
			e.notify()

		default:
			return -1, fmt.Errorf("%w: entry %d in invalid state %d", ErrInvalidArgument, e.slot, e.state)
		}
	}
}

// borrow records a new user of a Loaded entry. Storage kinds that count only
// non-blocking admissions leave the count untouched for blocking callers.
func (c *Cache) borrow(t *Table, e *Entry, req *UseRequest) {
	e.lastUsed = c.now()
	if !t.kind.CountsOnlyNonBlocking() || req.NonBlocking {
		e.borrowers++
	}
}

// load installs the request's key in e and programs it. The lock is released
// for the hardware call and held again on return.
func (c *Cache) load(ctx context.Context, t *Table, e *Entry, req *UseRequest) (int, error) {
	e.reset()
	e.material.set(req.Key, req.Salt)
	e.state = StateLoading
	gen := e.gen
	slot := e.slot
	key, salt := e.material.copyOut()

	c.mu.Unlock()
	err := c.hw.ProgramKey(ctx, slot, key, salt, t.device, req.DataUnitSize)
	Wipe(key)
	Wipe(salt)
	c.mu.Lock()

	c.stats.programs.Add(1)
	if gen != e.gen || e.state != StateLoading {
		// The table was reset or destroyed while the call was in flight.
		// Whatever the hardware did, this admission no longer owns the slot.
		if !c.IsReady() {
			return -1, ErrNotReady
		}
		return -1, ErrBusy
	}

	if err != nil {
		herr := &HardwareError{Op: OpProgram, Slot: slot, Err: err}
		e.state = StateHardwareError
		e.err = herr
		e.notify()
		c.stats.programErrors.Add(1)
		c.logger.Error("key load failed",
			logger.Int("device", t.device.Number),
			logger.Int("slot", slot),
			logger.Error(err))
		return slot, herr
	}

	e.state = StateLoaded
	c.borrow(t, e, req)
	e.notify()
	return slot, nil
}

// EndUse releases one borrower of the entry holding key and salt on dev.
// When the last borrower leaves the entry becomes Idle and any waiter is
// woken. Releasing a key that is not resident is an internal consistency
// error; it is logged and ignored.
func (c *Cache) EndUse(key, salt []byte, dev *Device) {
	if !c.IsReady() {
		return
	}
	if dev == nil || validateMaterial(key, salt) != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.tableFor(dev)
	if err != nil {
		c.logger.Error("release on unknown device", logger.Error(err))
		return
	}
	e := t.find(key, salt)
	if e == nil {
		c.logger.Error("internal error, no entry to release",
			logger.Int("device", dev.Number))
		return
	}
	if e.state != StateLoaded {
		c.logger.Error("internal error, release of entry that is not loaded",
			logger.Int("slot", e.slot),
			logger.String("state", e.state.String()))
		return
	}

	if e.borrowers == 0 {
		c.logger.Error("internal error, borrower count would become negative",
			logger.Int("slot", e.slot))
	} else {
		e.borrowers--
	}
	if e.borrowers == 0 {
		e.state = StateIdle
		e.notify()
	}
}
