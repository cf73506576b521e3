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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyslot.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9443
	cfg.Devices = append(cfg.Devices, DeviceConfig{Number: 3, Name: "ice3", StorageKind: "ufscard"})

	if err := Save(cfg, path, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != configFilePerms {
		t.Errorf("file mode = %o, want %o", perm, configFilePerms)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("loaded config mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestSave_Overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyslot.yaml")
	if err := Save(DefaultConfig(), path, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	err := Save(DefaultConfig(), path, false)
	if !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected ErrConfigExists, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	if err := Save(cfg, path, true); err != nil {
		t.Fatalf("Save(overwrite) error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", loaded.Logging.Level)
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Type = "hsm"
	path := filepath.Join(t.TempDir(), "keyslot.yaml")

	if err := Save(cfg, path, false); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid config should not be written")
	}
}
