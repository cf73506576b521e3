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

package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-keyslot/internal/config"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/crypt"
	"github.com/jeremyhahn/go-keyslot/pkg/hardware/soft"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/ratelimit"
)

// SimulationParams shapes a simulated file encryption workload.
type SimulationParams struct {
	// Workers is the number of concurrent callers.
	Workers int

	// Files is the number of distinct per-file keys.
	Files int

	// Operations is the number of encrypt and decrypt round trips per worker.
	Operations int

	// Units is the number of data units per operation.
	Units int

	// RemoveEvery makes each worker evict its current key after every n
	// operations. Zero disables removal.
	RemoveEvery int
}

func (p SimulationParams) validate() error {
	if p.Workers < 1 || p.Files < 1 || p.Operations < 1 || p.Units < 1 || p.RemoveEvery < 0 {
		return fmt.Errorf("workers, files, ops and units must be positive and remove-every not negative")
	}
	return nil
}

// SimulationResult summarizes a simulated workload.
type SimulationResult struct {
	Duration          time.Duration           `json:"duration"`
	Operations        uint64                  `json:"operations"`
	Removals          uint64                  `json:"removals"`
	EnginePrograms    uint64                  `json:"engine_programs"`
	EngineInvalidates uint64                  `json:"engine_invalidates"`
	Stats             keyslot.Stats           `json:"stats"`
	Tables            []keyslot.TableSnapshot `json:"tables"`
}

func newSimulateCmd(o *options) *cobra.Command {
	p := SimulationParams{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a concurrent file encryption workload against the soft engine",
		Long: `Build the configured device tables on an in-memory engine and drive
them with concurrent callers that each encrypt and decrypt data units under
per-file keys. Every round trip is verified. The engine latency and call
budget come from the engine section of the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			log := logger.NewSlogAdapter(&logger.SlogConfig{
				Level:  mustLevel(cfg.Logging.Level),
				Format: cfg.Logging.Format,
				Output: cmd.ErrOrStderr(),
			})
			res, err := RunSimulation(cmd.Context(), cfg, p, log)
			if err != nil {
				return err
			}
			return o.printer(cmd.OutOrStdout()).PrintSimulation(res)
		},
	}
	cmd.Flags().IntVar(&p.Workers, "workers", 16, "concurrent callers")
	cmd.Flags().IntVar(&p.Files, "files", 64, "distinct file keys")
	cmd.Flags().IntVar(&p.Operations, "ops", 200, "round trips per worker")
	cmd.Flags().IntVar(&p.Units, "units", 2, "data units per operation")
	cmd.Flags().IntVar(&p.RemoveEvery, "remove-every", 0, "evict the current key every n operations (0 disables)")
	return cmd
}

func mustLevel(s string) logger.Level {
	level, err := logger.ParseLevel(s)
	if err != nil {
		return logger.LevelInfo
	}
	return level
}

// RunSimulation drives a fresh cache built from cfg with the workload in p.
// The soft engine is always used so the data path can be verified.
func RunSimulation(ctx context.Context, cfg *config.Config, p SimulationParams, log logger.Logger) (*SimulationResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logger.Discard()
	}

	limiter := ratelimit.New(&ratelimit.Config{
		Enabled:   cfg.Engine.CallsPerSecond > 0,
		PerSecond: cfg.Engine.CallsPerSecond,
		Burst:     cfg.Engine.Burst,
	})
	defer limiter.Stop()

	engine := soft.New(&soft.Config{
		TotalSlots: cfg.Cache.TotalSlots,
		Latency:    cfg.Engine.ProgramLatency,
		Limiter:    limiter,
		Logger:     log.With(logger.String("component", "soft-engine")),
	})
	cache := keyslot.New(engine, &keyslot.Options{
		StartingIndex: cfg.Cache.StartingIndex,
		TableSize:     cfg.Cache.TableSize(),
		Logger:        log.With(logger.String("component", "keycache")),
	})
	defer cache.Close()

	devices := make([]*keyslot.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		dev, err := cfg.Device(dc)
		if err != nil {
			return nil, err
		}
		table, err := cache.ConstructTable(dev)
		if err != nil {
			return nil, err
		}
		devices = append(devices, table.Device())
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	crypter := crypt.New(cache, engine, &crypt.Config{
		DataUnitSize:    cfg.Crypt.DataUnitSize,
		MaxRetryElapsed: cfg.Crypt.MaxRetryElapsed,
		Logger:          log,
	})

	keys, err := fileKeys(p.Files)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, fk := range keys {
			fk.Zeroize()
		}
	}()

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	baseSeed := binary.LittleEndian.Uint64(seed[:])

	var ops, removals atomic.Uint64
	size := p.Units * int(crypter.DataUnitSize())
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.Workers; w++ {
		rng := mrand.New(mrand.NewPCG(baseSeed, uint64(w)))
		g.Go(func() error {
			plain := make([]byte, size)
			sealed := make([]byte, size)
			opened := make([]byte, size)

			for i := 0; i < p.Operations; i++ {
				fk := keys[rng.IntN(len(keys))]
				dev := devices[rng.IntN(len(devices))]
				unit := rng.Uint64N(1 << 32)
				fill(rng, plain)

				if err := crypter.Encrypt(gctx, dev, fk, unit, sealed, plain); err != nil {
					return fmt.Errorf("encrypt on device %d: %w", dev.Number, err)
				}
				if err := crypter.Decrypt(gctx, dev, fk, unit, opened, sealed); err != nil {
					return fmt.Errorf("decrypt on device %d: %w", dev.Number, err)
				}
				if !bytes.Equal(plain, opened) {
					return fmt.Errorf("round trip mismatch on device %d unit %d", dev.Number, unit)
				}
				ops.Add(1)

				if p.RemoveEvery > 0 && (i+1)%p.RemoveEvery == 0 {
					err := cache.RemoveKey(gctx, fk.Key, fk.Salt)
					switch {
					case err == nil:
						removals.Add(1)
					case errors.Is(err, keyslot.ErrInvalidArgument):
						// Already evicted by another caller.
					default:
						return fmt.Errorf("remove key: %w", err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &SimulationResult{
		Duration:          time.Since(start),
		Operations:        ops.Load(),
		Removals:          removals.Load(),
		EnginePrograms:    engine.Programs(),
		EngineInvalidates: engine.Invalidates(),
		Stats:             cache.Stats(),
		Tables:            cache.Snapshot(),
	}, nil
}

// fileKeys derives n per-file keys from a random master secret.
func fileKeys(n int) ([]*crypt.FileKey, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, err
	}
	defer keyslot.Wipe(master)

	keys := make([]*crypt.FileKey, 0, n)
	for i := 0; i < n; i++ {
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		fk, err := crypt.DeriveFileKey(master, nonce)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fk)
	}
	return keys, nil
}

func fill(rng *mrand.Rand, b []byte) {
	for i := 0; i < len(b); i += 8 {
		v := rng.Uint64()
		for j := 0; j < 8 && i+j < len(b); j++ {
			b[i+j] = byte(v >> (8 * j))
		}
	}
}
