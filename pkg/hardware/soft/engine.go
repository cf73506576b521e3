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

// Package soft implements an inline crypto engine in memory. Programming a
// slot builds an AES-256-XTS cipher from the key and salt; data units are then
// encrypted and decrypted by slot index, the way a storage controller would.
// Secure world call latency and budget are simulated so the key cache can be
// exercised under realistic contention.
package soft

import (
	"context"
	"crypto/aes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/xts"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/ratelimit"
)

var (
	// ErrSlotOutOfRange is returned for a slot index outside the engine.
	ErrSlotOutOfRange = errors.New("soft: slot out of range")

	// ErrSlotEmpty is returned when crypto is requested on an unprogrammed slot.
	ErrSlotEmpty = errors.New("soft: slot not programmed")

	// ErrInvalidKeySize is returned when key or salt is not 32 bytes.
	ErrInvalidKeySize = errors.New("soft: invalid key size")

	// ErrDataUnitSize is returned when a buffer is not a whole number of AES
	// blocks or exceeds the slot's data unit size.
	ErrDataUnitSize = errors.New("soft: invalid data unit size")

	// ErrNilDevice is returned when a call names no device.
	ErrNilDevice = errors.New("soft: nil device")
)

// Fault decides whether a simulated secure world call fails. Returning a
// non-nil error fails the call with that error.
type Fault func(slot int, dev *keyslot.Device) error

// Config configures an Engine.
type Config struct {
	// TotalSlots is the number of hardware slots per device.
	// Defaults to keyslot.DefaultTotalSlots.
	TotalSlots int

	// Latency is added to every program and invalidate call.
	Latency time.Duration

	// Limiter throttles program and invalidate calls per device. Nil or a
	// disabled limiter imposes no budget.
	Limiter *ratelimit.Limiter

	// Logger receives diagnostic output. Defaults to logger.Discard.
	Logger logger.Logger
}

type programmedKey struct {
	cipher       *xts.Cipher
	dataUnitSize uint32
}

// Engine is a software keyslot.Programmer.
type Engine struct {
	mu      sync.RWMutex
	devices map[int]map[int]*programmedKey

	totalSlots int
	latency    time.Duration
	limiter    *ratelimit.Limiter
	logger     logger.Logger

	programFault    atomic.Pointer[Fault]
	invalidateFault atomic.Pointer[Fault]

	programs    atomic.Uint64
	invalidates atomic.Uint64
}

// New creates an Engine.
func New(cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	e := &Engine{
		devices:    make(map[int]map[int]*programmedKey),
		totalSlots: cfg.TotalSlots,
		latency:    cfg.Latency,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}
	if e.totalSlots <= 0 {
		e.totalSlots = keyslot.DefaultTotalSlots
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(nil)
	}
	if e.logger == nil {
		e.logger = logger.Discard()
	}
	return e
}

// SetProgramFault installs a fault for program calls. Nil clears it.
func (e *Engine) SetProgramFault(f Fault) {
	if f == nil {
		e.programFault.Store(nil)
		return
	}
	e.programFault.Store(&f)
}

// SetInvalidateFault installs a fault for invalidate calls. Nil clears it.
func (e *Engine) SetInvalidateFault(f Fault) {
	if f == nil {
		e.invalidateFault.Store(nil)
		return
	}
	e.invalidateFault.Store(&f)
}

// ProgramKey implements keyslot.Programmer.
func (e *Engine) ProgramKey(ctx context.Context, slot int, key, salt []byte, dev *keyslot.Device, dataUnitSize uint32) error {
	if err := e.checkSlot(slot, dev); err != nil {
		return err
	}
	if len(key) != keyslot.KeySize || len(salt) != keyslot.SaltSize {
		return fmt.Errorf("%w: key %d bytes, salt %d bytes", ErrInvalidKeySize, len(key), len(salt))
	}
	if err := e.secureCall(ctx, dev); err != nil {
		return err
	}
	e.programs.Add(1)
	if f := e.programFault.Load(); f != nil {
		if err := (*f)(slot, dev); err != nil {
			return err
		}
	}

	// XTS takes the data key and the tweak key as one 64 byte buffer.
	combined := make([]byte, 0, len(key)+len(salt))
	combined = append(combined, key...)
	combined = append(combined, salt...)
	c, err := xts.NewCipher(aes.NewCipher, combined)
	keyslot.Wipe(combined)
	if err != nil {
		return fmt.Errorf("soft: build cipher: %w", err)
	}

	e.mu.Lock()
	slots, ok := e.devices[dev.Number]
	if !ok {
		slots = make(map[int]*programmedKey)
		e.devices[dev.Number] = slots
	}
	slots[slot] = &programmedKey{cipher: c, dataUnitSize: dataUnitSize}
	e.mu.Unlock()

	e.logger.Debug("slot programmed",
		logger.Int("device", dev.Number),
		logger.Int("slot", slot),
		logger.Int64("data_unit_size", int64(dataUnitSize)))
	return nil
}

// InvalidateKey implements keyslot.Programmer. Invalidating an empty slot
// succeeds.
func (e *Engine) InvalidateKey(ctx context.Context, slot int, dev *keyslot.Device) error {
	if err := e.checkSlot(slot, dev); err != nil {
		return err
	}
	if err := e.secureCall(ctx, dev); err != nil {
		return err
	}
	e.invalidates.Add(1)
	if f := e.invalidateFault.Load(); f != nil {
		if err := (*f)(slot, dev); err != nil {
			return err
		}
	}

	e.mu.Lock()
	delete(e.devices[dev.Number], slot)
	e.mu.Unlock()

	e.logger.Debug("slot invalidated", logger.Int("device", dev.Number), logger.Int("slot", slot))
	return nil
}

// Reset forgets every key of dev, as a controller reset would.
func (e *Engine) Reset(dev *keyslot.Device) {
	if dev == nil {
		return
	}
	e.mu.Lock()
	delete(e.devices, dev.Number)
	e.mu.Unlock()
	e.logger.Info("engine reset", logger.Int("device", dev.Number))
}

// EncryptDataUnit encrypts src into dst with the key in slot. unit is the
// data unit number used as the XTS tweak.
func (e *Engine) EncryptDataUnit(dev *keyslot.Device, slot int, unit uint64, dst, src []byte) error {
	k, err := e.cipherFor(dev, slot, dst, src)
	if err != nil {
		return err
	}
	k.cipher.Encrypt(dst[:len(src)], src, unit)
	return nil
}

// DecryptDataUnit decrypts src into dst with the key in slot.
func (e *Engine) DecryptDataUnit(dev *keyslot.Device, slot int, unit uint64, dst, src []byte) error {
	k, err := e.cipherFor(dev, slot, dst, src)
	if err != nil {
		return err
	}
	k.cipher.Decrypt(dst[:len(src)], src, unit)
	return nil
}

// Programmed reports whether slot on dev currently holds a key.
func (e *Engine) Programmed(dev *keyslot.Device, slot int) bool {
	if dev == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.devices[dev.Number][slot]
	return ok
}

// Programs returns the number of program calls that reached the engine.
func (e *Engine) Programs() uint64 { return e.programs.Load() }

// Invalidates returns the number of invalidate calls that reached the engine.
func (e *Engine) Invalidates() uint64 { return e.invalidates.Load() }

// TotalSlots returns the number of slots per device.
func (e *Engine) TotalSlots() int { return e.totalSlots }

func (e *Engine) checkSlot(slot int, dev *keyslot.Device) error {
	if dev == nil {
		return ErrNilDevice
	}
	if slot < 0 || slot >= e.totalSlots {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrSlotOutOfRange, slot, e.totalSlots)
	}
	return nil
}

// secureCall models the cost of a trip into the secure world.
func (e *Engine) secureCall(ctx context.Context, dev *keyslot.Device) error {
	if err := e.limiter.Wait(ctx, strconv.Itoa(dev.Number)); err != nil {
		return fmt.Errorf("soft: call budget: %w", err)
	}
	if e.latency <= 0 {
		return nil
	}
	t := time.NewTimer(e.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) cipherFor(dev *keyslot.Device, slot int, dst, src []byte) (*programmedKey, error) {
	if err := e.checkSlot(slot, dev); err != nil {
		return nil, err
	}
	if len(src) == 0 || len(src)%aes.BlockSize != 0 || len(dst) < len(src) {
		return nil, fmt.Errorf("%w: %d bytes", ErrDataUnitSize, len(src))
	}

	e.mu.RLock()
	k, ok := e.devices[dev.Number][slot]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device %d slot %d", ErrSlotEmpty, dev.Number, slot)
	}
	if k.dataUnitSize > 0 && uint32(len(src)) > k.dataUnitSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrDataUnitSize, len(src), k.dataUnitSize)
	}
	return k, nil
}

var _ keyslot.Programmer = (*Engine)(nil)
