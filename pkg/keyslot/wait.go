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

import "context"

// waitOn registers the caller as a waiter on e, releases the cache lock and
// blocks until e changes state or ctx is done. The lock is held again on
// return. Any number of callers may wait on one entry; all are woken
// together and must re-evaluate the entry, so callers loop.
func (c *Cache) waitOn(ctx context.Context, e *Entry) error {
	if e.wake == nil {
		e.wake = make(chan struct{})
	}
	wake := e.wake
	c.stats.waits.Add(1)

	c.mu.Unlock()
	defer c.mu.Lock()

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return cancelled(ctx.Err())
	}
}
