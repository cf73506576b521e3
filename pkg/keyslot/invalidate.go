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
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
)

// RemoveKey evicts key and salt from every registered table that holds them,
// waiting for current borrowers to finish. Each hardware slot is invalidated
// outside the lock and its entry is wiped and freed even when the hardware
// call fails; the first such failure is returned as a *HardwareError once
// every table has been visited. Returns ErrInvalidArgument when no table
// holds the key.
func (c *Cache) RemoveKey(ctx context.Context, key, salt []byte) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	if err := validateMaterial(key, salt); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		found    bool
		firstErr error
	)
	for _, t := range c.Tables() {
		removed, err := c.removeFrom(ctx, t, key, salt)
		if err != nil {
			var herr *HardwareError
			if !errors.As(err, &herr) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		found = found || removed
	}
	if !found {
		c.logger.Debug("no entry to remove in any table")
		return fmt.Errorf("%w: key not resident", ErrInvalidArgument)
	}
	return firstErr
}

// removeFrom invalidates the entry of t holding key and salt. It reports
// whether an entry was found.
func (c *Cache) removeFrom(ctx context.Context, t *Table, key, salt []byte) (bool, error) {
	c.mu.Lock()

	var e *Entry
	for {
		if !c.IsReady() {
			c.mu.Unlock()
			return false, ErrNotReady
		}
		e = t.find(key, salt)
		if e == nil {
			c.mu.Unlock()
			return false, nil
		}
		if e.available() {
			break
		}
		// The entry may be reused while we sleep, so search again on wake.
		if err := c.waitOn(ctx, e); err != nil {
			c.mu.Unlock()
			return false, err
		}
	}

	e.state = StateInvalidating
	gen := e.gen
	slot := e.slot
	dev := t.device
	c.mu.Unlock()

	err := c.hw.InvalidateKey(ctx, slot, dev)

	c.mu.Lock()
	c.stats.invalidations.Add(1)
	if gen == e.gen && e.state == StateInvalidating {
		e.reset()
		e.notify()
	}
	c.mu.Unlock()

	if err != nil {
		c.stats.invalidateErr.Add(1)
		c.logger.Warn("key invalidation failed",
			logger.Int("device", dev.Number),
			logger.Int("slot", slot),
			logger.Error(err))
		return true, &HardwareError{Op: OpInvalidate, Slot: slot, Err: err}
	}
	return true, nil
}

// ClearTable invalidates every entry of dev's table through the hardware and
// wipes it. Entries in use are waited for, and no entry is claimed until the
// whole table is free of borrowers and pending hardware calls, so a borrower
// may still admit keys of this table while the clear waits. Hardware failures
// are logged and the first one is returned after all entries are finished.
// When ctx is cancelled while waiting the table is left untouched and
// ErrCancelled is returned.
func (c *Cache) ClearTable(ctx context.Context, dev *Device) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	if dev == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	type claim struct {
		entry *Entry
		gen   uint64
	}

	c.mu.Lock()
	t, err := c.tableFor(dev)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	for {
		busy := t.firstUnavailable()
		if busy == nil {
			break
		}
		if werr := c.waitOn(ctx, busy); werr != nil {
			c.mu.Unlock()
			return werr
		}
		if !c.IsReady() {
			c.mu.Unlock()
			return ErrNotReady
		}
		if c.tables[dev.Number] != t {
			c.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrDeviceNotFound, dev.Number)
		}
	}

	claims := make([]claim, 0, len(t.entries))
	for i := range t.entries {
		e := &t.entries[i]
		claims = append(claims, claim{entry: e, gen: e.gen})
		e.state = StateInvalidating
	}
	c.mu.Unlock()

	var firstErr error
	for _, cl := range claims {
		if herr := c.hw.InvalidateKey(ctx, cl.entry.slot, dev); herr != nil {
			c.stats.invalidateErr.Add(1)
			c.logger.Warn("slot invalidation failed during clear",
				logger.Int("device", dev.Number),
				logger.Int("slot", cl.entry.slot),
				logger.Error(herr))
			if firstErr == nil {
				firstErr = &HardwareError{Op: OpInvalidate, Slot: cl.entry.slot, Err: herr}
			}
		}
		c.stats.invalidations.Add(1)
	}

	c.mu.Lock()
	for _, cl := range claims {
		if cl.entry.gen == cl.gen && cl.entry.state == StateInvalidating {
			cl.entry.reset()
			cl.entry.notify()
		}
	}
	c.mu.Unlock()

	c.logger.Info("key table cleared", logger.Int("device", dev.Number))
	return firstErr
}

// ClearTableAfterReset wipes every entry of dev's table without calling the
// hardware. The caller guarantees the hardware has already forgotten all of
// its keys, for example after a controller reset. In-flight hardware calls
// observe the reset and abandon their result.
func (c *Cache) ClearTableAfterReset(dev *Device) {
	if !c.IsReady() || dev == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.tableFor(dev)
	if err != nil {
		c.logger.Warn("reset clear on unknown device", logger.Error(err))
		return
	}
	t.forEachEntry(func(e *Entry) {
		e.gen++
		e.reset()
		e.notify()
	})
	c.logger.Info("key table cleared after reset", logger.Int("device", dev.Number))
}
