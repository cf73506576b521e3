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
	"os"
	"sync"
	"unsafe"
)

// pageLocker pins memory with page granularity and counts the buffers using
// each page, so buffers that share a page do not unlock each other.
type pageLocker struct {
	mu       sync.Mutex
	pageSize uintptr
	pins     map[uintptr]int
	lock     func([]byte) error
	unlock   func([]byte) error
}

var pinnedPages = newPageLocker(os.Getpagesize(), lockMemory, unlockMemory)

func newPageLocker(pageSize int, lock, unlock func([]byte) error) *pageLocker {
	return &pageLocker{
		pageSize: uintptr(pageSize),
		pins:     make(map[uintptr]int),
		lock:     lock,
		unlock:   unlock,
	}
}

// pages calls fn with the page address and the part of b inside that page.
func (p *pageLocker) pages(b []byte, fn func(page uintptr, part []byte) error) error {
	base := uintptr(unsafe.Pointer(&b[0]))
	end := base + uintptr(len(b))
	for page := base &^ (p.pageSize - 1); page < end; page += p.pageSize {
		lo := max(page, base) - base
		hi := min(page+p.pageSize, end) - base
		if err := fn(page, b[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// Pin locks every page of b not already pinned. On failure nothing stays
// pinned on behalf of b.
func (p *pageLocker) Pin(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var done [][]byte
	err := p.pages(b, func(page uintptr, part []byte) error {
		if p.pins[page] == 0 {
			if err := p.lock(part); err != nil {
				return err
			}
		}
		p.pins[page]++
		done = append(done, part)
		return nil
	})
	if err != nil {
		for _, part := range done {
			p.release(part)
		}
	}
	return err
}

// Unpin releases b's pages and unlocks those no other buffer uses.
func (p *pageLocker) Unpin(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	_ = p.pages(b, func(_ uintptr, part []byte) error {
		if err := p.release(part); err != nil && firstErr == nil {
			firstErr = err
		}
		return nil
	})
	return firstErr
}

// release drops one pin on the page holding part. Must be called with mu held.
func (p *pageLocker) release(part []byte) error {
	page := uintptr(unsafe.Pointer(&part[0])) &^ (p.pageSize - 1)
	n, ok := p.pins[page]
	if !ok {
		return nil
	}
	if n > 1 {
		p.pins[page] = n - 1
		return nil
	}
	delete(p.pins, page)
	return p.unlock(part)
}

// pinned returns the number of pages currently pinned.
func (p *pageLocker) pinned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pins)
}
