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

// selectVictim returns the entry a miss should be loaded into: the first Free
// entry in scan order, otherwise the Idle entry with the oldest timestamp.
// Ties keep the earlier entry. Loaded, Loading, Invalidating and
// HardwareError entries are never returned. Returns nil when nothing is
// eligible. Must be called with the cache lock held.
func (t *Table) selectVictim() *Entry {
	var oldest *Entry
	for i := range t.entries {
		e := &t.entries[i]
		switch e.state {
		case StateFree:
			return e
		case StateIdle:
			if oldest == nil || e.lastUsed < oldest.lastUsed {
				oldest = e
			}
		}
	}
	return oldest
}
