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

import "sync/atomic"

type counters struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	programs      atomic.Uint64
	programErrors atomic.Uint64
	invalidations atomic.Uint64
	invalidateErr atomic.Uint64
	busy          atomic.Uint64
	wouldBlock    atomic.Uint64
	waits         atomic.Uint64
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	Evictions        uint64 `json:"evictions"`
	Programs         uint64 `json:"programs"`
	ProgramErrors    uint64 `json:"program_errors"`
	Invalidations    uint64 `json:"invalidations"`
	InvalidateErrors uint64 `json:"invalidate_errors"`
	Busy             uint64 `json:"busy"`
	WouldBlock       uint64 `json:"would_block"`
	Waits            uint64 `json:"waits"`
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:             c.stats.hits.Load(),
		Misses:           c.stats.misses.Load(),
		Evictions:        c.stats.evictions.Load(),
		Programs:         c.stats.programs.Load(),
		ProgramErrors:    c.stats.programErrors.Load(),
		Invalidations:    c.stats.invalidations.Load(),
		InvalidateErrors: c.stats.invalidateErr.Load(),
		Busy:             c.stats.busy.Load(),
		WouldBlock:       c.stats.wouldBlock.Load(),
		Waits:            c.stats.waits.Load(),
	}
}
