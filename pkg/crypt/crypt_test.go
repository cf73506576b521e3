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

package crypt

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/hardware/soft"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/metrics"
)

const unitSize = 512

type fixture struct {
	cache  *keyslot.Cache
	engine *soft.Engine
	dev    *keyslot.Device
	crypt  *Crypter
}

func newFixture(t *testing.T, tableSize int, cfg *Config) *fixture {
	t.Helper()
	engine := soft.New(nil)
	cache := keyslot.New(engine, &keyslot.Options{TableSize: tableSize, Logger: logger.Discard()})
	t.Cleanup(func() { _ = cache.Close() })

	dev := &keyslot.Device{Number: 0, Name: "ice0", Kind: keyslot.StorageEMMC}
	_, err := cache.ConstructTable(dev)
	require.NoError(t, err)

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.DataUnitSize = unitSize
	return &fixture{cache: cache, engine: engine, dev: dev, crypt: New(cache, engine, cfg)}
}

func fileKey(t *testing.T, nonce string) *FileKey {
	t.Helper()
	fk, err := DeriveFileKey(bytes.Repeat([]byte{0x5A}, 32), []byte(nonce))
	require.NoError(t, err)
	return fk
}

func borrowers(f *fixture) int {
	n := 0
	for _, ts := range f.cache.Snapshot() {
		for _, e := range ts.Entries {
			n += e.Borrowers
		}
	}
	return n
}

func TestCrypter_Defaults(t *testing.T) {
	c := New(nil, nil, nil)
	assert.Equal(t, uint32(DefaultDataUnitSize), c.DataUnitSize())
	assert.Equal(t, DefaultMaxRetryElapsed, c.maxRetryElapsed)
	assert.Equal(t, DefaultInitialRetryInterval, c.initialInterval)
	assert.NotNil(t, c.logger)
}

func TestCrypter_RoundTrip(t *testing.T) {
	f := newFixture(t, 4, nil)
	fk := fileKey(t, "file-a")
	ctx := context.Background()

	plain := bytes.Repeat([]byte("0123456789abcdef"), 4*unitSize/16)
	sealed := make([]byte, len(plain))
	require.NoError(t, f.crypt.Encrypt(ctx, f.dev, fk, 100, sealed, plain))
	assert.NotEqual(t, plain, sealed)
	assert.Zero(t, borrowers(f))

	// Each data unit uses its own tweak.
	assert.NotEqual(t, sealed[:unitSize], sealed[unitSize:2*unitSize])

	opened := make([]byte, len(sealed))
	require.NoError(t, f.crypt.Decrypt(ctx, f.dev, fk, 100, opened, sealed))
	assert.Equal(t, plain, opened)

	// The second admission is a hit.
	assert.Equal(t, uint64(1), f.engine.Programs())
	assert.Zero(t, borrowers(f))

	// A different starting unit does not decrypt.
	wrong := make([]byte, len(sealed))
	require.NoError(t, f.crypt.Decrypt(ctx, f.dev, fk, 101, wrong, sealed))
	assert.NotEqual(t, plain, wrong)
}

func TestCrypter_InvalidInput(t *testing.T) {
	f := newFixture(t, 2, nil)
	fk := fileKey(t, "file-a")
	ctx := context.Background()

	tests := []struct {
		name string
		dev  *keyslot.Device
		fk   *FileKey
		dst  int
		src  int
		want error
	}{
		{"nil device", nil, fk, unitSize, unitSize, keyslot.ErrInvalidArgument},
		{"nil key", f.dev, nil, unitSize, unitSize, keyslot.ErrInvalidArgument},
		{"empty", f.dev, fk, 0, 0, ErrInvalidDataUnit},
		{"partial unit", f.dev, fk, unitSize, unitSize - 16, ErrInvalidDataUnit},
		{"short destination", f.dev, fk, unitSize, 2 * unitSize, ErrInvalidDataUnit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.crypt.Encrypt(ctx, tt.dev, tt.fk, 0, make([]byte, tt.dst), make([]byte, tt.src))
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, f.engine.Programs())
}

func TestCrypter_RetriesUntilSlotFrees(t *testing.T) {
	f := newFixture(t, 1, &Config{MaxRetryElapsed: 5 * time.Second})
	ctx := context.Background()

	holder := fileKey(t, "held")
	_, err := f.cache.BeginUse(ctx, &keyslot.UseRequest{Key: holder.Key, Salt: holder.Salt, Device: f.dev})
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.RetriesTotal.WithLabelValues("0", "would_block"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.cache.EndUse(holder.Key, holder.Salt, f.dev)
	}()

	fk := fileKey(t, "waiting")
	buf := make([]byte, unitSize)
	require.NoError(t, f.crypt.Encrypt(ctx, f.dev, fk, 0, buf, buf))

	assert.Greater(t, testutil.ToFloat64(metrics.RetriesTotal.WithLabelValues("0", "would_block")), before)
	assert.Equal(t, uint64(2), f.engine.Programs())
	assert.Zero(t, borrowers(f))
}

func TestCrypter_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, 1, &Config{MaxRetryElapsed: 20 * time.Millisecond})
	ctx := context.Background()

	holder := fileKey(t, "held")
	_, err := f.cache.BeginUse(ctx, &keyslot.UseRequest{Key: holder.Key, Salt: holder.Salt, Device: f.dev})
	require.NoError(t, err)
	defer f.cache.EndUse(holder.Key, holder.Salt, f.dev)

	buf := make([]byte, unitSize)
	err = f.crypt.Encrypt(ctx, f.dev, fileKey(t, "starved"), 0, buf, buf)
	require.ErrorIs(t, err, keyslot.ErrBusy)
}

func TestCrypter_ContextCancelledDuringRetry(t *testing.T) {
	f := newFixture(t, 1, nil)

	holder := fileKey(t, "held")
	_, err := f.cache.BeginUse(context.Background(), &keyslot.UseRequest{Key: holder.Key, Salt: holder.Salt, Device: f.dev})
	require.NoError(t, err)
	defer f.cache.EndUse(holder.Key, holder.Salt, f.dev)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	buf := make([]byte, unitSize)
	err = f.crypt.Encrypt(ctx, f.dev, fileKey(t, "starved"), 0, buf, buf)
	require.ErrorIs(t, err, keyslot.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCrypter_HardwareErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, 2, nil)
	rejected := errors.New("tz rejected")
	f.engine.SetProgramFault(func(int, *keyslot.Device) error { return rejected })

	before := testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues(metrics.OpEncrypt, "0", "hardware"))

	buf := make([]byte, unitSize)
	err := f.crypt.Encrypt(context.Background(), f.dev, fileKey(t, "broken"), 0, buf, buf)
	require.ErrorIs(t, err, keyslot.ErrHardware)
	require.ErrorIs(t, err, rejected)

	var herr *keyslot.HardwareError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, keyslot.OpProgram, herr.Op)
	assert.Equal(t, uint64(1), f.engine.Programs())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues(metrics.OpEncrypt, "0", "hardware")))
}

func TestCrypter_SharedKeyAcrossCallers(t *testing.T) {
	f := newFixture(t, 1, nil)
	fk := fileKey(t, "shared")
	ctx := context.Background()

	// A second caller on the same file reuses the entry while it is borrowed.
	_, err := f.cache.BeginUse(ctx, &keyslot.UseRequest{Key: fk.Key, Salt: fk.Salt, Device: f.dev, DataUnitSize: unitSize})
	require.NoError(t, err)

	buf := make([]byte, 2*unitSize)
	require.NoError(t, f.crypt.Encrypt(ctx, f.dev, fk, 0, buf, buf))
	assert.Equal(t, uint64(1), f.engine.Programs())
	assert.Equal(t, 1, borrowers(f))

	f.cache.EndUse(fk.Key, fk.Salt, f.dev)
	assert.Zero(t, borrowers(f))
}

// gatedEngine parks every data unit until the test releases it.
type gatedEngine struct {
	*soft.Engine
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEngine) EncryptDataUnit(dev *keyslot.Device, slot int, unit uint64, dst, src []byte) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Engine.EncryptDataUnit(dev, slot, unit, dst, src)
}

func TestCrypter_UFSOverlappingCallersKeepSlot(t *testing.T) {
	engine := &gatedEngine{
		Engine:  soft.New(nil),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cache := keyslot.New(engine, &keyslot.Options{TableSize: 1, Logger: logger.Discard()})
	t.Cleanup(func() { _ = cache.Close() })

	dev := &keyslot.Device{Number: 0, Name: "ufshc0", Kind: keyslot.StorageUFS}
	_, err := cache.ConstructTable(dev)
	require.NoError(t, err)

	f := &fixture{cache: cache, engine: engine.Engine, dev: dev}
	c := New(cache, engine, &Config{DataUnitSize: unitSize})
	fk := fileKey(t, "shared")
	ctx := context.Background()

	encrypt := func() <-chan error {
		done := make(chan error, 1)
		go func() {
			buf := make([]byte, unitSize)
			done <- c.Encrypt(ctx, dev, fk, 0, buf, buf)
		}()
		return done
	}

	// The first caller misses and loads on the blocking path.
	first := encrypt()
	<-engine.entered
	assert.Equal(t, 1, borrowers(f))

	// The second caller hits on the non-blocking path.
	second := encrypt()
	<-engine.entered
	assert.Equal(t, 2, borrowers(f))

	engine.release <- struct{}{}
	require.NoError(t, <-first)
	assert.Equal(t, 1, borrowers(f))

	// The slot is still in use, so another key cannot take it.
	other := fileKey(t, "other")
	_, err = cache.BeginUse(ctx, &keyslot.UseRequest{Key: other.Key, Salt: other.Salt, Device: dev})
	require.ErrorIs(t, err, keyslot.ErrBusy)
	assert.Equal(t, uint64(1), engine.Programs())

	engine.release <- struct{}{}
	require.NoError(t, <-second)
	assert.Zero(t, borrowers(f))

	snap := cache.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Count(keyslot.StateIdle))
}
