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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
)

const (
	// DefaultStartingIndex is the first slot usable by the cache. Lower
	// slots are reserved by the platform.
	DefaultStartingIndex = 2

	// DefaultTotalSlots is the number of hardware slots per engine.
	DefaultTotalSlots = 32

	// DefaultTableSize is the number of entries per table.
	DefaultTableSize = DefaultTotalSlots - DefaultStartingIndex
)

// Options configures a Cache.
type Options struct {
	// StartingIndex is the hardware index of the first entry.
	// Defaults to DefaultStartingIndex.
	StartingIndex int

	// TableSize is the number of entries per device table.
	// Defaults to DefaultTableSize.
	TableSize int

	// Registry resolves storage kinds at table construction. When nil the
	// device's own Kind is used.
	Registry DeviceRegistry

	// Logger receives diagnostic output. Defaults to an slog text logger.
	Logger logger.Logger

	// Clock returns admission timestamps. It must be monotonically
	// increasing and never return 0. Defaults to an internal counter.
	Clock func() uint64
}

// Cache brokers a small number of hardware key slots across many
// concurrent callers. One lock guards every table.
type Cache struct {
	mu     sync.Mutex
	ready  atomic.Bool
	hw     Programmer
	tables map[int]*Table
	order  []*Table

	startingIndex int
	tableSize     int
	registry      DeviceRegistry
	logger        logger.Logger
	clock         func() uint64
	tick          atomic.Uint64

	stats counters
}

// New creates a ready cache that issues hardware calls through hw. Tables
// are added per device with ConstructTable.
func New(hw Programmer, opts *Options) *Cache {
	if opts == nil {
		opts = &Options{}
	}
	c := &Cache{
		hw:            hw,
		tables:        make(map[int]*Table),
		startingIndex: opts.StartingIndex,
		tableSize:     opts.TableSize,
		registry:      opts.Registry,
		logger:        opts.Logger,
		clock:         opts.Clock,
	}
	if c.startingIndex <= 0 {
		c.startingIndex = DefaultStartingIndex
	}
	if c.tableSize <= 0 {
		c.tableSize = DefaultTableSize
	}
	if c.logger == nil {
		c.logger = logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelInfo})
	}
	if c.clock == nil {
		c.clock = func() uint64 { return c.tick.Add(1) }
	}
	c.ready.Store(true)
	return c
}

// IsReady reports whether the cache accepts operations.
func (c *Cache) IsReady() bool {
	return c.ready.Load()
}

// StartingIndex returns the hardware index of the first entry of each table.
func (c *Cache) StartingIndex() int { return c.startingIndex }

// TableSize returns the number of entries per table.
func (c *Cache) TableSize() int { return c.tableSize }

// ConstructTable allocates and registers the table for dev. The table keeps
// its own copy of dev; an empty ID is assigned on that copy and reported by
// Table.Device and Snapshot. dev itself is not modified.
func (c *Cache) ConstructTable(dev *Device) (*Table, error) {
	if !c.IsReady() {
		return nil, ErrNotReady
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}
	kind := dev.Kind
	if c.registry != nil {
		kind = c.registry.StorageKind(dev)
	}
	owned := *dev
	if owned.ID == "" {
		owned.ID = uuid.NewString()
	}
	dev = &owned

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[dev.Number]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDeviceExists, dev.Number)
	}
	t := newTable(dev, kind, c.startingIndex, c.tableSize)
	c.tables[dev.Number] = t
	c.order = append(c.order, t)

	c.logger.Info("key table constructed",
		logger.Int("device", dev.Number),
		logger.String("device_id", dev.ID),
		logger.String("storage_kind", kind.String()),
		logger.Int("first_slot", c.startingIndex),
		logger.Int("entries", c.tableSize))
	return t, nil
}

// Table returns the table registered for a device number.
func (c *Cache) Table(number int) (*Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[number]
	return t, ok
}

// Tables returns the registered tables in registration order.
func (c *Cache) Tables() []*Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Table, len(c.order))
	copy(out, c.order)
	return out
}

// tableFor returns the table for dev. Must be called with the lock held.
func (c *Cache) tableFor(dev *Device) (*Table, error) {
	t, ok := c.tables[dev.Number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, dev.Number)
	}
	return t, nil
}

// DestroyTable clears dev's table through the hardware, unregisters it and
// wipes its memory. The table is removed even when clearing fails.
func (c *Cache) DestroyTable(ctx context.Context, dev *Device) error {
	if dev == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}
	err := c.ClearTable(ctx, dev)

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[dev.Number]
	if !ok {
		return err
	}
	delete(c.tables, dev.Number)
	for i, o := range c.order {
		if o == t {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	t.destroy()
	c.logger.Info("key table destroyed", logger.Int("device", dev.Number))
	return err
}

// Close marks the cache not ready, wakes every waiter and wipes all tables
// without calling the hardware. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready.Swap(false) {
		return nil
	}
	for _, t := range c.order {
		t.destroy()
	}
	c.tables = make(map[int]*Table)
	c.order = nil
	c.logger.Info("key cache closed")
	return nil
}

// now returns the next admission timestamp.
func (c *Cache) now() uint64 {
	return c.clock()
}

// EntrySnapshot is a point-in-time view of one entry. It never carries key
// material.
type EntrySnapshot struct {
	Slot      int    `json:"slot"`
	State     string `json:"state"`
	Borrowers int    `json:"borrowers"`
	LastUsed  uint64 `json:"last_used"`
	Error     string `json:"error,omitempty"`
}

// TableSnapshot is a point-in-time view of one table.
type TableSnapshot struct {
	Device      int             `json:"device"`
	DeviceName  string          `json:"device_name"`
	DeviceID    string          `json:"device_id"`
	StorageKind string          `json:"storage_kind"`
	Entries     []EntrySnapshot `json:"entries"`
}

// Count returns the number of entries in state s.
func (ts TableSnapshot) Count(s State) int {
	name := s.String()
	n := 0
	for _, e := range ts.Entries {
		if e.State == name {
			n++
		}
	}
	return n
}

// Snapshot returns a consistent view of every table, ordered by device number.
func (c *Cache) Snapshot() []TableSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TableSnapshot, 0, len(c.order))
	for _, t := range c.order {
		ts := TableSnapshot{
			Device:      t.device.Number,
			DeviceName:  t.device.Name,
			DeviceID:    t.device.ID,
			StorageKind: t.kind.String(),
			Entries:     make([]EntrySnapshot, 0, len(t.entries)),
		}
		t.forEachEntry(func(e *Entry) {
			es := EntrySnapshot{
				Slot:      e.slot,
				State:     e.state.String(),
				Borrowers: e.borrowers,
				LastUsed:  e.lastUsed,
			}
			if e.err != nil {
				es.Error = e.err.Error()
			}
			ts.Entries = append(ts.Entries, es)
		})
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}
