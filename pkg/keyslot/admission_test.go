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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot/mocks"
)

func TestBeginUse_TwoSlotScenario(t *testing.T) {
	f := newFixture(t, 2, keyslot.StorageSDCC)
	ctx := context.Background()

	slot, err := f.cache.BeginUse(ctx, request(f.dev, 0xA0, false))
	require.NoError(t, err)
	assert.Equal(t, 10, slot)
	assert.Equal(t, keyslot.StateLoaded, f.stateOf(t, 10))

	slot, err = f.cache.BeginUse(ctx, request(f.dev, 0xB0, false))
	require.NoError(t, err)
	assert.Equal(t, 11, slot)
	assert.Equal(t, keyslot.StateLoaded, f.stateOf(t, 11))

	_, err = f.cache.BeginUse(ctx, request(f.dev, 0xC0, false))
	require.ErrorIs(t, err, keyslot.ErrBusy)

	keyA, saltA := material(0xA0)
	f.cache.EndUse(keyA, saltA, f.dev)
	assert.Equal(t, keyslot.StateIdle, f.stateOf(t, 10))

	slot, err = f.cache.BeginUse(ctx, request(f.dev, 0xC0, false))
	require.NoError(t, err)
	assert.Equal(t, 10, slot)
	assert.Equal(t, keyslot.StateLoaded, f.stateOf(t, 10))

	calls := f.hw.ProgramCalls()
	require.Len(t, calls, 3)
	keyC, saltC := material(0xC0)
	assert.Equal(t, 10, calls[2].Slot)
	assert.Equal(t, keyC, calls[2].Key)
	assert.Equal(t, saltC, calls[2].Salt)
	assert.Equal(t, uint32(4096), calls[2].DataUnitSize)

	stats := f.cache.Stats()
	assert.Equal(t, uint64(3), stats.Misses)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Busy)
}

func TestBeginUse_HitDoesNotProgram(t *testing.T) {
	f := newFixture(t, 4, keyslot.StorageSDCC)
	ctx := context.Background()
	key, salt := material(0x11)

	first, err := f.cache.BeginUse(ctx, request(f.dev, 0x11, false))
	require.NoError(t, err)

	// Loaded hit.
	second, err := f.cache.BeginUse(ctx, request(f.dev, 0x11, false))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, f.entry(t, first).Borrowers)

	f.cache.EndUse(key, salt, f.dev)
	f.cache.EndUse(key, salt, f.dev)
	assert.Equal(t, keyslot.StateIdle, f.stateOf(t, first))

	// Idle hit.
	third, err := f.cache.BeginUse(ctx, request(f.dev, 0x11, false))
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, 1, f.entry(t, first).Borrowers)

	assert.Equal(t, 1, f.hw.ProgramCount())
	assert.Equal(t, uint64(2), f.cache.Stats().Hits)
}

func TestBeginUse_RoundTrip(t *testing.T) {
	f := newFixture(t, 3, keyslot.StorageEMMC)
	key, salt := material(0x21)

	slot, err := f.cache.BeginUse(context.Background(), request(f.dev, 0x21, false))
	require.NoError(t, err)
	f.cache.EndUse(key, salt, f.dev)

	es := f.entry(t, slot)
	assert.Equal(t, "idle", es.State)
	assert.Equal(t, 0, es.Borrowers)
	assert.Equal(t, slot, es.Slot)
	assert.NotZero(t, es.LastUsed)
}

func TestBeginUse_LastUsedAdvances(t *testing.T) {
	var now uint64 = 100
	cache := keyslot.New(mocks.NewMockProgrammer(), &keyslot.Options{
		StartingIndex: 10,
		TableSize:     2,
		Logger:        logger.Discard(),
		Clock: func() uint64 {
			now += 10
			return now
		},
	})
	defer cache.Close()
	dev := &keyslot.Device{Number: 7}
	_, err := cache.ConstructTable(dev)
	require.NoError(t, err)

	key, salt := material(0x31)
	slot, err := cache.BeginUse(context.Background(), request(dev, 0x31, false))
	require.NoError(t, err)
	cache.EndUse(key, salt, dev)
	_, err = cache.BeginUse(context.Background(), request(dev, 0x31, false))
	require.NoError(t, err)

	snap := cache.Snapshot()
	require.Len(t, snap, 1)
	for _, es := range snap[0].Entries {
		if es.Slot == slot {
			assert.Equal(t, uint64(120), es.LastUsed)
		}
	}
}

func TestBeginUse_NonBlockingColdMiss(t *testing.T) {
	f := newFixture(t, 2, keyslot.StorageSDCC)
	ctx := context.Background()

	_, err := f.cache.BeginUse(ctx, request(f.dev, 0x41, true))
	require.ErrorIs(t, err, keyslot.ErrWouldBlock)
	assert.True(t, keyslot.IsRetryable(err))
	assert.Zero(t, f.hw.ProgramCount())
	assert.Equal(t, 2, f.cache.Snapshot()[0].Count(keyslot.StateFree))

	slot, err := f.cache.BeginUse(ctx, request(f.dev, 0x41, false))
	require.NoError(t, err)

	again, err := f.cache.BeginUse(ctx, request(f.dev, 0x41, true))
	require.NoError(t, err)
	assert.Equal(t, slot, again)
	assert.Equal(t, 1, f.hw.ProgramCount())
	assert.Equal(t, uint64(1), f.cache.Stats().WouldBlock)
}

func TestBeginUse_InvalidArguments(t *testing.T) {
	f := newFixture(t, 2, keyslot.StorageSDCC)
	key, salt := material(0x51)

	tests := []struct {
		name string
		req  *keyslot.UseRequest
	}{
		{"nil request", nil},
		{"nil device", &keyslot.UseRequest{Key: key, Salt: salt}},
		{"short key", &keyslot.UseRequest{Key: key[:16], Salt: salt, Device: f.dev}},
		{"long salt", &keyslot.UseRequest{Key: key, Salt: append(salt, 0), Device: f.dev}},
		{"empty key", &keyslot.UseRequest{Salt: salt, Device: f.dev}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, err := f.cache.BeginUse(context.Background(), tt.req)
			require.ErrorIs(t, err, keyslot.ErrInvalidArgument)
			assert.True(t, keyslot.IsTerminal(err))
			assert.Equal(t, -1, slot)
		})
	}
	assert.Zero(t, f.hw.ProgramCount())
}

func TestBeginUse_UnknownDevice(t *testing.T) {
	f := newFixture(t, 2, keyslot.StorageSDCC)

	_, err := f.cache.BeginUse(context.Background(), request(&keyslot.Device{Number: 99}, 0x61, false))
	require.ErrorIs(t, err, keyslot.ErrDeviceNotFound)
}

func TestBeginUse_NotReady(t *testing.T) {
	f := newFixture(t, 2, keyslot.StorageSDCC)
	require.NoError(t, f.cache.Close())

	_, err := f.cache.BeginUse(context.Background(), request(f.dev, 0x71, false))
	require.ErrorIs(t, err, keyslot.ErrNotReady)
}

func TestBeginUse_HardwareFailureResetsEntry(t *testing.T) {
	f := newFixture(t, 1, keyslot.StorageSDCC)
	ctx := context.Background()
	hwErr := errors.New("scm call rejected")

	f.hw.ProgramKeyFunc = func(context.Context, int, []byte, []byte, *keyslot.Device, uint32) error {
		return hwErr
	}

	slot, err := f.cache.BeginUse(ctx, request(f.dev, 0x81, false))
	require.Error(t, err)
	assert.True(t, errors.Is(err, keyslot.ErrHardware))
	assert.True(t, errors.Is(err, hwErr))
	assert.True(t, keyslot.IsTerminal(err))

	var herr *keyslot.HardwareError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, keyslot.OpProgram, herr.Op)
	assert.Equal(t, 10, herr.Slot)
	assert.Equal(t, 10, slot)

	es := f.entry(t, 10)
	assert.Equal(t, "hardware_error", es.State)
	assert.Contains(t, es.Error, "scm call rejected")
	assert.Equal(t, uint64(1), f.cache.Stats().ProgramErrors)

	// The next admission for the same key starts clean.
	f.hw.ProgramKeyFunc = nil
	slot, err = f.cache.BeginUse(ctx, request(f.dev, 0x81, false))
	require.NoError(t, err)
	assert.Equal(t, 10, slot)
	assert.Equal(t, keyslot.StateLoaded, f.stateOf(t, 10))
	assert.Empty(t, f.entry(t, 10).Error)
	assert.Equal(t, 2, f.hw.ProgramCount())
}

func TestBeginUse_HardwareErrorIsNotEvicted(t *testing.T) {
	f := newFixture(t, 1, keyslot.StorageSDCC)
	ctx := context.Background()

	f.hw.ProgramKeyFunc = func(context.Context, int, []byte, []byte, *keyslot.Device, uint32) error {
		return errors.New("rejected")
	}
	_, err := f.cache.BeginUse(ctx, request(f.dev, 0x91, false))
	require.ErrorIs(t, err, keyslot.ErrHardware)

	f.hw.ProgramKeyFunc = nil
	_, err = f.cache.BeginUse(ctx, request(f.dev, 0x92, false))
	require.ErrorIs(t, err, keyslot.ErrBusy)
}

func TestBeginUse_UFSCountsOnlyNonBlocking(t *testing.T) {
	tests := []struct {
		kind              keyslot.StorageKind
		blockingBorrowers int
	}{
		{keyslot.StorageSDCC, 1},
		{keyslot.StorageEMMC, 1},
		{keyslot.StorageUFS, 0},
		{keyslot.StorageUFSCard, 0},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			f := newFixture(t, 2, tt.kind)
			ctx := context.Background()
			key, salt := material(0xA1)

			slot, err := f.cache.BeginUse(ctx, request(f.dev, 0xA1, false))
			require.NoError(t, err)
			assert.Equal(t, keyslot.StateLoaded, f.stateOf(t, slot))
			assert.Equal(t, tt.blockingBorrowers, f.entry(t, slot).Borrowers)

			_, err = f.cache.BeginUse(ctx, request(f.dev, 0xA1, true))
			require.NoError(t, err)
			assert.Equal(t, tt.blockingBorrowers+1, f.entry(t, slot).Borrowers)

			for i := 0; i < tt.blockingBorrowers+1; i++ {
				f.cache.EndUse(key, salt, f.dev)
			}
			es := f.entry(t, slot)
			assert.Equal(t, "idle", es.State)
			assert.Equal(t, 0, es.Borrowers)
		})
	}
}

func TestEndUse_NotResident(t *testing.T) {
	f := newFixture(t, 2, keyslot.StorageSDCC)
	key, salt := material(0xB1)

	assert.NotPanics(t, func() {
		f.cache.EndUse(key, salt, f.dev)
		f.cache.EndUse(key, salt, &keyslot.Device{Number: 42})
		f.cache.EndUse(key[:8], salt, f.dev)
		f.cache.EndUse(key, salt, nil)
	})
	assert.Equal(t, 2, f.cache.Snapshot()[0].Count(keyslot.StateFree))
}

func TestEndUse_ExtraReleaseClamps(t *testing.T) {
	f := newFixture(t, 2, keyslot.StorageUFS)
	key, salt := material(0xC1)

	// A blocking UFS admission leaves the count at zero.
	slot, err := f.cache.BeginUse(context.Background(), request(f.dev, 0xC1, false))
	require.NoError(t, err)

	f.cache.EndUse(key, salt, f.dev)
	es := f.entry(t, slot)
	assert.Equal(t, "idle", es.State)
	assert.Equal(t, 0, es.Borrowers)

	// Releasing an Idle entry is ignored.
	f.cache.EndUse(key, salt, f.dev)
	assert.Equal(t, 0, f.entry(t, slot).Borrowers)
}
