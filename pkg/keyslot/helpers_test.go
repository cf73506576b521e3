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

package keyslot_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot/mocks"
)

// material returns a key and salt filled with b and b+1.
func material(b byte) ([]byte, []byte) {
	return bytes.Repeat([]byte{b}, keyslot.KeySize), bytes.Repeat([]byte{b + 1}, keyslot.SaltSize)
}

func request(dev *keyslot.Device, b byte, nonBlocking bool) *keyslot.UseRequest {
	key, salt := material(b)
	return &keyslot.UseRequest{
		Key:          key,
		Salt:         salt,
		Device:       dev,
		NonBlocking:  nonBlocking,
		DataUnitSize: 4096,
	}
}

type fixture struct {
	cache *keyslot.Cache
	hw    *mocks.MockProgrammer
	dev   *keyslot.Device
	table *keyslot.Table
}

// newFixture builds a cache with one table of size entries starting at
// slot 10.
func newFixture(t *testing.T, size int, kind keyslot.StorageKind) *fixture {
	t.Helper()

	hw := mocks.NewMockProgrammer()
	cache := keyslot.New(hw, &keyslot.Options{
		StartingIndex: 10,
		TableSize:     size,
		Logger:        logger.Discard(),
	})
	dev := &keyslot.Device{Number: 0, Name: "ice0", Kind: kind}
	table, err := cache.ConstructTable(dev)
	require.NoError(t, err)

	t.Cleanup(func() { _ = cache.Close() })
	return &fixture{cache: cache, hw: hw, dev: dev, table: table}
}

func (f *fixture) stateOf(t *testing.T, slot int) keyslot.State {
	t.Helper()
	return stateFromName(t, f.entry(t, slot).State)
}

func (f *fixture) entry(t *testing.T, slot int) keyslot.EntrySnapshot {
	t.Helper()
	for _, ts := range f.cache.Snapshot() {
		if ts.Device != f.dev.Number {
			continue
		}
		for _, es := range ts.Entries {
			if es.Slot == slot {
				return es
			}
		}
	}
	t.Fatalf("slot %d not found", slot)
	return keyslot.EntrySnapshot{}
}

func stateFromName(t *testing.T, name string) keyslot.State {
	t.Helper()
	for s := keyslot.StateFree; s <= keyslot.StateHardwareError; s++ {
		if s.String() == name {
			return s
		}
	}
	t.Fatalf("unknown state %q", name)
	return keyslot.StateFree
}
