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

// Package crypt encrypts file data through the key cache. A file key is
// admitted into a hardware slot, the data units are processed by the inline
// crypto engine using that slot, and the slot is released.
//
// Admission first tries the non-blocking path. When that would block, or no
// slot is free, the call is retried on the blocking path with exponential
// backoff until the configured budget runs out.
package crypt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/correlation"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/metrics"
)

const (
	// DefaultDataUnitSize is the crypto granularity in bytes.
	DefaultDataUnitSize = 4096

	// DefaultMaxRetryElapsed bounds the blocking retries of one admission.
	DefaultMaxRetryElapsed = 5 * time.Second

	// DefaultInitialRetryInterval is the first backoff delay.
	DefaultInitialRetryInterval = time.Millisecond
)

// ErrInvalidDataUnit is returned when a buffer is not a whole number of
// data units or the destination is too short.
var ErrInvalidDataUnit = errors.New("crypt: invalid data unit")

// Engine performs data unit crypto with a programmed slot.
type Engine interface {
	EncryptDataUnit(dev *keyslot.Device, slot int, unit uint64, dst, src []byte) error
	DecryptDataUnit(dev *keyslot.Device, slot int, unit uint64, dst, src []byte) error
}

// Config configures a Crypter.
type Config struct {
	// DataUnitSize is the size of one data unit. Defaults to DefaultDataUnitSize.
	DataUnitSize uint32

	// MaxRetryElapsed bounds blocking retries. Defaults to DefaultMaxRetryElapsed.
	MaxRetryElapsed time.Duration

	// InitialRetryInterval is the first backoff delay.
	// Defaults to DefaultInitialRetryInterval.
	InitialRetryInterval time.Duration

	// Logger receives diagnostic output. Defaults to logger.Discard.
	Logger logger.Logger
}

// Crypter runs file crypto through a key cache and an inline engine.
type Crypter struct {
	cache  *keyslot.Cache
	engine Engine

	dataUnitSize    uint32
	maxRetryElapsed time.Duration
	initialInterval time.Duration
	logger          logger.Logger
}

// New creates a Crypter.
func New(cache *keyslot.Cache, engine Engine, cfg *Config) *Crypter {
	if cfg == nil {
		cfg = &Config{}
	}
	c := &Crypter{
		cache:           cache,
		engine:          engine,
		dataUnitSize:    cfg.DataUnitSize,
		maxRetryElapsed: cfg.MaxRetryElapsed,
		initialInterval: cfg.InitialRetryInterval,
		logger:          cfg.Logger,
	}
	if c.dataUnitSize == 0 {
		c.dataUnitSize = DefaultDataUnitSize
	}
	if c.maxRetryElapsed <= 0 {
		c.maxRetryElapsed = DefaultMaxRetryElapsed
	}
	if c.initialInterval <= 0 {
		c.initialInterval = DefaultInitialRetryInterval
	}
	if c.logger == nil {
		c.logger = logger.Discard()
	}
	return c
}

// DataUnitSize returns the data unit size in bytes.
func (c *Crypter) DataUnitSize() uint32 { return c.dataUnitSize }

// Encrypt encrypts src into dst. firstUnit is the data unit number of the
// start of src within the file.
func (c *Crypter) Encrypt(ctx context.Context, dev *keyslot.Device, fk *FileKey, firstUnit uint64, dst, src []byte) error {
	return c.run(ctx, metrics.OpEncrypt, dev, fk, firstUnit, dst, src, c.engine.EncryptDataUnit)
}

// Decrypt decrypts src into dst.
func (c *Crypter) Decrypt(ctx context.Context, dev *keyslot.Device, fk *FileKey, firstUnit uint64, dst, src []byte) error {
	return c.run(ctx, metrics.OpDecrypt, dev, fk, firstUnit, dst, src, c.engine.DecryptDataUnit)
}

type unitFunc func(dev *keyslot.Device, slot int, unit uint64, dst, src []byte) error

func (c *Crypter) run(ctx context.Context, op string, dev *keyslot.Device, fk *FileKey, firstUnit uint64, dst, src []byte, fn unitFunc) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = correlation.Ensure(ctx)
	start := time.Now()
	device := "none"
	if dev != nil {
		device = strconv.Itoa(dev.Number)
	}
	defer func() {
		metrics.RecordOperation(op, device, metrics.Status(err), time.Since(start).Seconds())
		metrics.RecordError(op, device, err)
	}()

	if fk == nil || dev == nil {
		return fmt.Errorf("%w: file key and device are required", keyslot.ErrInvalidArgument)
	}
	unit := int(c.dataUnitSize)
	if len(src) == 0 || len(src)%unit != 0 || len(dst) < len(src) {
		return fmt.Errorf("%w: %d bytes with %d byte units", ErrInvalidDataUnit, len(src), unit)
	}

	log := c.logger.With(
		logger.String("correlation_id", correlation.GetCorrelationID(ctx)),
		logger.String("op", op),
		logger.Int("device", dev.Number))

	slot, err := c.acquire(ctx, log, dev, fk)
	if err != nil {
		log.Warn("key admission failed", logger.Error(err))
		return err
	}
	defer c.cache.EndUse(fk.Key, fk.Salt, dev)

	for i := 0; i < len(src)/unit; i++ {
		off := i * unit
		if err := fn(dev, slot, firstUnit+uint64(i), dst[off:off+unit], src[off:off+unit]); err != nil {
			return fmt.Errorf("crypt: data unit %d: %w", firstUnit+uint64(i), err)
		}
	}
	log.Debug("data units processed", logger.Int("slot", slot), logger.Int("units", len(src)/unit))
	return nil
}

// acquire admits fk on dev and returns its slot. The non-blocking path is
// tried once; retryable failures then move to the blocking path. Every
// returned slot carries one borrower that the caller releases with EndUse.
func (c *Crypter) acquire(ctx context.Context, log logger.Logger, dev *keyslot.Device, fk *FileKey) (int, error) {
	req := &keyslot.UseRequest{
		Key:          fk.Key,
		Salt:         fk.Salt,
		Device:       dev,
		NonBlocking:  true,
		DataUnitSize: c.dataUnitSize,
	}
	slot, err := c.cache.BeginUse(ctx, req)
	if err == nil {
		return slot, nil
	}
	if !keyslot.IsRetryable(err) {
		return -1, err
	}
	device := strconv.Itoa(dev.Number)
	metrics.RecordRetry(device, err)
	log.Debug("non-blocking admission deferred", logger.Error(err))

	req.NonBlocking = false
	pin := *req
	pin.NonBlocking = true
	counted := c.countsBlocking(dev)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = c.maxRetryElapsed

	operation := func() error {
		s, err := c.cache.BeginUse(ctx, req)
		if err == nil && !counted {
			// The blocking admission made the key resident without a
			// borrower. Hold it through a non-blocking hit so EndUse
			// has a borrower to release.
			s, err = c.cache.BeginUse(ctx, &pin)
		}
		if err == nil {
			slot = s
			return nil
		}
		if keyslot.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		metrics.RecordRetry(device, err)
		log.Debug("admission retry", logger.Error(err), logger.Duration("next", next))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, keyslot.ErrCancelled) {
			return -1, fmt.Errorf("%w: %w", keyslot.ErrCancelled, ctxErr)
		}
		return -1, err
	}
	return slot, nil
}

// countsBlocking reports whether a blocking admission on dev adds a borrower.
func (c *Crypter) countsBlocking(dev *keyslot.Device) bool {
	t, ok := c.cache.Table(dev.Number)
	return !ok || !t.Kind().CountsOnlyNonBlocking()
}
