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

// Table is the fixed array of entries for one device. It has no lock of its
// own; every access happens under the owning Cache's lock.
type Table struct {
	device  *Device
	kind    StorageKind
	entries []Entry
}

// newTable allocates size entries with slots startingIndex..startingIndex+size-1.
func newTable(dev *Device, kind StorageKind, startingIndex, size int) *Table {
	t := &Table{
		device:  dev,
		kind:    kind,
		entries: make([]Entry, size),
	}
	for i := range t.entries {
		t.entries[i].slot = startingIndex + i
		t.entries[i].material.lock()
	}
	return t
}

// Device returns the device that owns the table.
func (t *Table) Device() *Device { return t.device }

// Kind returns the storage kind resolved at construction.
func (t *Table) Kind() StorageKind { return t.kind }

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// EntryAt returns the entry at position i. Only its slot may be read
// without the cache lock.
func (t *Table) EntryAt(i int) *Entry {
	return &t.entries[i]
}

// forEachEntry calls fn for every entry in slot order. Must be called with
// the lock held.
func (t *Table) forEachEntry(fn func(*Entry)) {
	for i := range t.entries {
		fn(&t.entries[i])
	}
}

// find returns the entry holding exactly key and salt, or nil.
func (t *Table) find(key, salt []byte) *Entry {
	for i := range t.entries {
		e := &t.entries[i]
		if e.state == StateFree {
			continue
		}
		if e.material.matches(key, salt) {
			return e
		}
	}
	return nil
}

// firstUnavailable returns the first entry that is borrowed or has a hardware
// call in flight, or nil.
func (t *Table) firstUnavailable() *Entry {
	for i := range t.entries {
		if e := &t.entries[i]; !e.available() {
			return e
		}
	}
	return nil
}

// destroy wipes every entry and releases locked pages.
func (t *Table) destroy() {
	for i := range t.entries {
		e := &t.entries[i]
		e.gen++
		e.reset()
		e.notify()
		e.material.unlock()
	}
}
