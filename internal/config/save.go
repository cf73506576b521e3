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
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// ErrConfigExists is returned by Save when the target exists and overwrite
// was not requested.
var ErrConfigExists = errors.New("config file already exists")

const configFilePerms = 0o600

// Save writes cfg as YAML to path. The file is replaced atomically so a
// running daemon never reads a partial configuration on reload. Secrets are
// written as-is; use Marshal for display.
func Save(cfg *Config, path string, overwrite bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// atomic.WriteFile keeps the mode of a replaced file but not of a new one
	if err := os.Chmod(path, configFilePerms); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	return nil
}
