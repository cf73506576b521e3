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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableWith builds a detached table whose entries have the given states and
// timestamps.
func tableWith(states []State, lastUsed []uint64) *Table {
	t := newTable(&Device{Number: 0}, StorageSDCC, 10, len(states))
	for i := range t.entries {
		t.entries[i].state = states[i]
		t.entries[i].lastUsed = lastUsed[i]
		if states[i] == StateLoaded {
			t.entries[i].borrowers = 1
		}
	}
	return t
}

func TestSelectVictim(t *testing.T) {
	tests := []struct {
		name     string
		states   []State
		lastUsed []uint64
		want     int // slot, -1 for none
	}{
		{
			name:     "free preferred over older idle",
			states:   []State{StateIdle, StateIdle, StateFree, StateFree},
			lastUsed: []uint64{1, 2, 0, 0},
			want:     12,
		},
		{
			name:     "oldest idle",
			states:   []State{StateIdle, StateIdle, StateIdle},
			lastUsed: []uint64{30, 10, 20},
			want:     11,
		},
		{
			name:     "ties keep scan order",
			states:   []State{StateLoaded, StateIdle, StateIdle},
			lastUsed: []uint64{1, 5, 5},
			want:     11,
		},
		{
			name:     "busy entries are skipped",
			states:   []State{StateLoading, StateInvalidating, StateLoaded, StateHardwareError, StateIdle},
			lastUsed: []uint64{1, 1, 1, 1, 99},
			want:     14,
		},
		{
			name:     "nothing evictable",
			states:   []State{StateLoaded, StateLoading, StateInvalidating, StateHardwareError},
			lastUsed: []uint64{1, 2, 3, 4},
			want:     -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := tableWith(tt.states, tt.lastUsed)
			defer tbl.destroy()

			got := tbl.selectVictim()
			if tt.want < 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.slot)
		})
	}
}

func TestNewTable_AssignsPermanentSlots(t *testing.T) {
	tbl := newTable(&Device{Number: 3}, StorageUFS, 2, 30)
	defer tbl.destroy()

	require.Equal(t, 30, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		e := tbl.EntryAt(i)
		assert.Equal(t, 2+i, e.Slot())
		assert.Equal(t, StateFree, e.state)
		assert.Zero(t, e.lastUsed)
		assert.Zero(t, e.borrowers)
	}
	assert.Equal(t, StorageUFS, tbl.Kind())
	assert.Equal(t, 3, tbl.Device().Number)
}

func TestTableFind_SkipsFreeEntries(t *testing.T) {
	tbl := newTable(&Device{}, StorageSDCC, 0, 2)
	defer tbl.destroy()

	key := make([]byte, KeySize)
	salt := make([]byte, SaltSize)
	key[0] = 1

	tbl.entries[1].material.set(key, salt)
	assert.Nil(t, tbl.find(key, salt), "free entries are never matched")

	tbl.entries[1].state = StateIdle
	assert.Same(t, &tbl.entries[1], tbl.find(key, salt))
}
