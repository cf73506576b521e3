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

// Package keyslot caches data encryption keys in the fixed set of key slots
// of an inline crypto engine.
//
// Each registered device owns a Table of entries, one per hardware slot.
// BeginUse makes a key resident and returns the slot index to hand to the
// engine; EndUse releases it. A resident key is reused without touching the
// hardware. A missing key is programmed into the first free slot, or into
// the least recently used slot that has no borrowers. A key is never resident
// in two slots of the same table.
//
// Hardware calls happen outside the cache lock. Entries whose call is in
// flight are reported as Loading or Invalidating, and blocking callers that
// find their key in such an entry wait for the transition to finish. Callers
// that may not block pass NonBlocking and receive ErrWouldBlock instead, which
// tells them to retry from a context that can.
//
// Key material lives only in buffers owned by the cache and is zeroed
// whenever an entry returns to Free.
//
//	cache := keyslot.New(engine, nil)
//	dev := &keyslot.Device{Number: 0, Name: "ufs0", Kind: keyslot.StorageUFS}
//	if _, err := cache.ConstructTable(dev); err != nil {
//		return err
//	}
//	slot, err := cache.BeginUse(ctx, &keyslot.UseRequest{Key: key, Salt: salt, Device: dev})
//	if err != nil {
//		return err
//	}
//	defer cache.EndUse(key, salt, dev)
package keyslot
